package models

import (
	"time"

	"github.com/google/uuid"
)

// DispatchJob carries one raw telemetry message from the ingestion gateway to
// the mapping workers. Jobs are delivered at least once: a transiently failed
// job is rescheduled with exponential backoff until MaxAttempts, then dropped.
type DispatchJob struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	ReceivedAt  time.Time `json:"received_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

func NewDispatchJob(topic string, payload []byte, receivedAt time.Time, maxAttempts int) *DispatchJob {
	return &DispatchJob{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		ReceivedAt:  receivedAt,
		MaxAttempts: maxAttempts,
	}
}
