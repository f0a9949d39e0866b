// Package bus provides the progress-event bus for long-running login and
// extraction operations. Events are fire-and-forget observational output
// for operators, not part of the correctness contract. The default
// implementation is in-memory; NATS is available for multi-process setups.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// EventBus is the publish/subscribe surface used by the core.
// Implementations must be safe for concurrent use.
type EventBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "portico.progress.*.acme" matches
	// "portico.progress.clinic-a.acme".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active registration on the bus.
type Subscription interface {
	Unsubscribe() error
}

// ProgressEvent is the structured payload published on progress subjects.
type ProgressEvent struct {
	Tenant      string    `json:"tenant"`
	Integration string    `json:"integration"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Progress stages emitted by the core.
const (
	StageLoginStarted       = "login_started"
	StageSessionRestored    = "session_restored"
	StageAwaitingOTP        = "awaiting_second_factor"
	StageOTPFulfilled       = "second_factor_fulfilled"
	StageLoginSucceeded     = "login_succeeded"
	StageLoginFailed        = "login_failed"
	StageExtractionAttempt  = "extraction_attempt"
	StageExtractionRetrying = "extraction_retrying"
	StageExtractionSuccess  = "extraction_success"
	StageExtractionFailed   = "extraction_failed"
)

// ProgressSubject builds the subject for a (tenant, integration) pair.
func ProgressSubject(tenant, integration string) string {
	return "portico.progress." + tenant + "." + integration
}
