package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream that retains pool events.
const StreamName = "COVER_POOL_EVENTS"

// subjectPrefix is followed by {event_type}.{pool_id}.
const subjectPrefix = "cover.pool.events"

// NATSPublisher forwards events to JetStream from a buffered queue so the
// request path never waits on the broker.
type NATSPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

// NewNATSPublisher creates a publisher with room for buffer pending events.
func NewNATSPublisher(js jetstream.JetStream, buffer int) *NATSPublisher {
	return &NATSPublisher{
		js:    js,
		queue: make(chan Event, buffer),
	}
}

// Publish enqueues evt, dropping it if the queue is full.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.queue <- evt:
	default:
		slog.Warn("nats publish queue full, dropping event", "type", evt.Type, "pool_id", evt.PoolID)
	}
}

// Run drains the queue until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: the activity log remains the source of truth.
				slog.Warn("nats publish failed", "type", evt.Type, "pool_id", evt.PoolID, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(evt), data)
	return err
}

// Subject returns the subject evt is published on.
func Subject(evt Event) string {
	return fmt.Sprintf("%s.%s.%d", subjectPrefix, evt.Type, evt.PoolID)
}

// EnsureStream creates or updates the pool events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
