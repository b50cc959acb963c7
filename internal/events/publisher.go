// Package events publishes fleet lifecycle events to NATS. A nil
// Publisher is valid and drops everything, so components never need to
// check whether eventing is configured.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectVM    = "fleet.vm.events"
	SubjectJob   = "fleet.job.events"
	SubjectScale = "fleet.scale.events"
)

// Event is one fleet state change notification.
type Event struct {
	Event      string `json:"event"`
	ResourceID string `json:"resource_id,omitempty"`
	Region     string `json:"region,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Time       int64  `json:"time"`
}

type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS with indefinite reconnects. An empty URL returns a
// nil publisher, which is safe to use.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	opts := []nats.Option{
		nats.Name("fleetd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// Publish sends one event; failures are logged, never propagated, so
// eventing can't break a control-plane transition.
func (p *Publisher) Publish(subject, event, resourceID, region, detail string) {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(Event{
		Event:      event,
		ResourceID: resourceID,
		Region:     region,
		Detail:     detail,
		Time:       time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
