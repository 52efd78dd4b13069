// Package notify resolves reminder recipients and fans notifications out
// through channel capabilities, recording per-recipient outcomes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Urgency levels attached to a notification.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// Notification kinds.
const (
	TypeDoseReminder = "dose_reminder"
	TypeDoseMissed   = "dose_missed"
)

// Known channel method names.
const (
	MethodPush  = "push"
	MethodEmail = "email"
	MethodSMS   = "sms"
)

// Recipient is one resolved notification target.
type Recipient struct {
	ID               string   `json:"id"`
	Role             string   `json:"role"` // "patient" or "family"
	PreferredMethods []string `json:"preferred_methods,omitempty"`
}

// Notification is one outbound message before channel fan-out.
type Notification struct {
	PatientID      string            `json:"patient_id"`
	CommandID      string            `json:"command_id"`
	EventID        string            `json:"event_id,omitempty"`
	MedicationName string            `json:"medication_name"`
	Type           string            `json:"notification_type"`
	Urgency        string            `json:"urgency"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	ActionURL      string            `json:"action_url,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Channel is the external transport capability for one delivery method.
// Implementations make a single best-effort attempt; retry scheduling
// belongs to the caller's next tick.
type Channel interface {
	Method() string
	Send(ctx context.Context, recipient Recipient, n *Notification) error
}

// Publisher is the streaming surface a StreamChannel writes through.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicNotifications carries outbound notification requests to the
// external delivery workers.
const TopicNotifications = "medication.notifications"

// StreamChannel publishes notification requests to the stream for an
// external delivery worker to transport. One instance per method.
type StreamChannel struct {
	method    string
	publisher Publisher
}

// NewStreamChannel creates a stream-backed channel for one method.
func NewStreamChannel(method string, publisher Publisher) *StreamChannel {
	return &StreamChannel{method: method, publisher: publisher}
}

func (c *StreamChannel) Method() string { return c.method }

// Send publishes the delivery request keyed by recipient so one
// recipient's messages stay ordered.
func (c *StreamChannel) Send(ctx context.Context, recipient Recipient, n *Notification) error {
	payload, err := json.Marshal(map[string]interface{}{
		"method":       c.method,
		"recipient":    recipient,
		"notification": n,
		"requested_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery request: %w", err)
	}
	if err := c.publisher.Publish(ctx, TopicNotifications, recipient.ID, payload); err != nil {
		return fmt.Errorf("publish %s delivery request: %w", c.method, err)
	}
	return nil
}
