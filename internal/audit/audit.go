// Package audit records every tool call the assistant dispatches:
// executed, reused, awaiting confirmation, or failed. Entries go to a
// SQLite table and, when a broker is configured, are mirrored to MQTT.
package audit

import (
	"context"
	"errors"
	"time"
)

// Status of an audited call.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusReused  Status = "REUSED"
	StatusPending Status = "PENDING"
)

// Entry is one audited tool call.
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"ts"`
	ToolName       string         `json:"tool"`
	Action         string         `json:"action"`
	UserID         string         `json:"userId"`
	ConversationID string         `json:"conversationId"`
	Payload        map[string]any `json:"payload,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Status         Status         `json:"status"`
	Error          string         `json:"error,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	Log(ctx context.Context, e Entry) error
}

// Multi fans entries out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

// Log implements Sink.
func (m Multi) Log(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
