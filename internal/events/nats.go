// Copyright 2025 James Ross
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher fans a queue's events out onto a NATS JetStream subject,
// one message per event, subjects named "events.{queue}.{event_type}".
type NATSPublisher struct {
	queueName string
	conn      *nats.Conn
	js        nats.JetStreamContext
	logger    *slog.Logger
	mu        sync.RWMutex
	healthy   bool
}

// NewNATSPublisher connects to natsURL and opens a JetStream context for
// publishing queueName's events.
func NewNATSPublisher(queueName, natsURL string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSPublisher{
		queueName: queueName,
		conn:      conn,
		js:        js,
		logger:    logger,
		healthy:   true,
	}, nil
}

// IsHealthy reports whether the underlying NATS connection is up.
func (np *NATSPublisher) IsHealthy() bool {
	np.mu.RLock()
	defer np.mu.RUnlock()
	return np.healthy && np.conn != nil && np.conn.IsConnected()
}

// Publish sends one queue event to its NATS subject.
func (np *NATSPublisher) Publish(e Event) error {
	np.mu.Lock()
	defer np.mu.Unlock()

	subject := fmt.Sprintf("events.%s.%s", np.queueName, e.Type)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Event-Type", e.Type)
	msg.Header.Set("Job-ID", e.JobID)
	msg.Header.Set("Queue", np.queueName)
	if e.GroupID != "" {
		msg.Header.Set("Group-ID", e.GroupID)
	}

	if _, err := np.js.PublishMsg(msg); err != nil {
		np.logger.Warn("NATS publish failed",
			"subject", subject, "event_type", e.Type, "job_id", e.JobID, "error", err)
		return fmt.Errorf("NATS publish failed: %w", err)
	}

	np.logger.Debug("NATS publish successful", "subject", subject, "event_type", e.Type, "job_id", e.JobID)
	return nil
}

// Close shuts down the underlying NATS connection.
func (np *NATSPublisher) Close() error {
	np.mu.Lock()
	defer np.mu.Unlock()

	np.healthy = false
	if np.conn != nil {
		np.conn.Close()
		np.conn = nil
	}
	return nil
}

// Forward blocks, draining r and publishing every event to NATS, until ctx
// is canceled. Errors from r.Next or from publishing are reported via onErr
// (which may be nil) and the loop continues. It returns only when ctx is done.
func (np *NATSPublisher) Forward(ctx context.Context, r *Reader, onErr func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evs, err := r.Next(ctx, time.Second)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			continue
		}
		for _, e := range evs {
			if err := np.Publish(e); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
