package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Service is the producer-side interface for dispatching work.
type Service interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// FailureHandler is invoked when a message exhausts its retry budget. The
// control core uses this hook for its fail-safe escalation.
type FailureHandler func(msg Message, err error)

// ActionQueue is the full queue contract: publish, job registration, the
// failure hook, and lifecycle. Both the in-memory and Redis-backed queues
// satisfy it.
type ActionQueue interface {
	Service
	RegisterJob(job Job)
	SetFailureHandler(h FailureHandler)
	Start() error
	Stop(ctx context.Context) error
}

// QueueConfig contains the configuration for the queue.
type QueueConfig struct {
	Workers    int           // number of workers
	QueueSize  int           // size of the queue
	RetryLimit int           // number of maximum retries
	RetryDelay time.Duration // time delay between retries
}

// Message represents a message in the queue.
type Message struct {
	ID        string
	Type      string
	Payload   interface{}
	Attempts  int
	Timestamp time.Time
}

// ParsePayload converts an arbitrary payload back to a concrete type. Payloads
// that crossed a serialization boundary arrive as maps or raw JSON.
func ParsePayload[T any](payload interface{}) (*T, error) {
	var result T

	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case map[string]interface{}:
		jsonData, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal map to json: %w", err)
		}
		if err := json.Unmarshal(jsonData, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal json to struct: %w", err)
		}
		return &result, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		return &result, nil
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}
}
