// Package errdefs maps the control plane's error taxonomy onto gRPC
// status codes so callers and the HTTP shim can classify failures
// without string matching.
package errdefs

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func InvalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func NotFound(format string, args ...any) error {
	return status.Errorf(codes.NotFound, format, args...)
}

// Conflict covers duplicate ids and other already-exists collisions.
func Conflict(format string, args ...any) error {
	return status.Errorf(codes.AlreadyExists, format, args...)
}

// FailedPrecondition covers illegal state transitions.
func FailedPrecondition(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// ResourceExhausted covers guardrail capacity violations.
func ResourceExhausted(format string, args ...any) error {
	return status.Errorf(codes.ResourceExhausted, format, args...)
}

// Unavailable covers command or remote-API execution failure.
func Unavailable(format string, args ...any) error {
	return status.Errorf(codes.Unavailable, format, args...)
}

func Internal(format string, args ...any) error {
	return status.Errorf(codes.Internal, format, args...)
}

// Code extracts the taxonomy code from err; non-status errors report
// codes.Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func IsInvalidArgument(err error) bool    { return Code(err) == codes.InvalidArgument }
func IsNotFound(err error) bool           { return Code(err) == codes.NotFound }
func IsConflict(err error) bool           { return Code(err) == codes.AlreadyExists }
func IsFailedPrecondition(err error) bool { return Code(err) == codes.FailedPrecondition }
func IsResourceExhausted(err error) bool  { return Code(err) == codes.ResourceExhausted }
func IsUnavailable(err error) bool        { return Code(err) == codes.Unavailable }
