package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ramPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(mb|m|gb|g)?\s*$`)
	cpuPattern = regexp.MustCompile(`^\s*(\d+)\s*$`)
)

// ParseRAMMB parses caller-supplied memory sizes like "512", "512MB" or
// "2GB" into megabytes.
func ParseRAMMB(value string) (int, error) {
	match := ramPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid RAM value %q: use formats like '512', '512MB', or '2GB'", value)
	}
	amount, err := strconv.Atoi(match[1])
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("RAM must be a positive integer, got %q", value)
	}
	unit := strings.ToLower(match[2])
	if unit == "gb" || unit == "g" {
		amount *= 1024
	}
	return amount, nil
}

// ParseCPUCores parses caller-supplied core counts like "1" or "4".
func ParseCPUCores(value string) (int, error) {
	match := cpuPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid CPU value %q: use integer core values like '1' or '4'", value)
	}
	cores, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("invalid CPU value %q", value)
	}
	if cores <= 0 {
		return 0, fmt.Errorf("CPU cores must be greater than zero")
	}
	return cores, nil
}

// FormatRAMMB renders a megabyte count the way operators wrote it.
func FormatRAMMB(ramMB int) string {
	if ramMB%1024 == 0 {
		return fmt.Sprintf("%dGB", ramMB/1024)
	}
	return fmt.Sprintf("%dMB", ramMB)
}
