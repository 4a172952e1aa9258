// Package events publishes operation lifecycle notifications to an
// AMQP queue. Consumers such as dashboards and alerting subscribe to
// the queue; the core never reads it back, so publishing is fire and
// forget and a broker outage degrades to log warnings.
package events

import (
	"time"
)

// Event types emitted over the lifecycle of an operation.
const (
	TypeCreated         = "operation.created"
	TypeStarted         = "operation.started"
	TypeCompleted       = "operation.completed"
	TypeFailed          = "operation.failed"
	TypeCancelRequested = "operation.cancel_requested"
	TypeCancelled       = "operation.cancelled"
	TypeOrphaned        = "operation.orphaned"
	TypeResumed         = "operation.resumed"
)

// Event is one lifecycle notification.
type Event struct {
	Type          string                 `json:"type"`
	OperationID   string                 `json:"operation_id"`
	OperationType string                 `json:"operation_type,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Worker        string                 `json:"worker,omitempty"`
	At            time.Time              `json:"at"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
}

// Publisher emits lifecycle events. Implementations must tolerate
// concurrent callers.
type Publisher interface {
	PublishOperationEvent(event Event) error
	Close() error
}

// NopPublisher discards events. Used when no AMQP URL is configured.
type NopPublisher struct{}

// PublishOperationEvent discards the event.
func (NopPublisher) PublishOperationEvent(Event) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() error { return nil }
