package entity

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery tracks the notification series for one completed job.
// At most one record exists per job; attempts on it are strictly
// sequential.
type WebhookDelivery struct {
	ID             uuid.UUID      `json:"id"`
	JobID          uuid.UUID      `json:"job_id"`
	WebhookURL     string         `json:"webhook_url"`
	Payload        []byte         `json:"-"`
	Signature      string         `json:"-"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	ResponseBody   *string        `json:"response_body,omitempty"`
	Error          *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// ResultSnapshot is the immutable final payload written once when a job
// completes, kept for fast re-delivery and download.
type ResultSnapshot struct {
	ID        uuid.UUID `json:"-"`
	JobID     uuid.UUID `json:"job_id"`
	Payload   []byte    `json:"-"`
	FileSize  int       `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
}
