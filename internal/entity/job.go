package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusProcessing  JobStatus = "processing"
	StatusTranslating JobStatus = "translating"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// transitions is the single source of truth for the job state machine.
// Terminal states have no outgoing edges.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:     {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:  {StatusTranslating, StatusCompleted, StatusFailed, StatusCancelled},
	StatusTranslating: {StatusCompleted, StatusFailed, StatusCancelled},
}

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusTranslating
}

type Job struct {
	ID                 uuid.UUID `json:"job_id"`
	Status             JobStatus `json:"status"`
	Languages          []string  `json:"languages"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	TotalLots          int       `json:"total_lots"`
	ProcessedLots      int       `json:"processed_lots"`
	FailedLots         int       `json:"failed_lots"`
	VisionBatchID      string    `json:"vision_batch_id,omitempty"`
	TranslationBatchID string    `json:"translation_batch_id,omitempty"`
	Error              *string   `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ActiveBatchID returns the provider batch handle the monitor should poll
// for the job's current phase, if any.
func (j *Job) ActiveBatchID() string {
	switch j.Status {
	case StatusProcessing:
		return j.VisionBatchID
	case StatusTranslating:
		return j.TranslationBatchID
	}
	return ""
}

// BaseLanguage is the language the vision stage produces directly;
// everything else goes through the translation stage.
const BaseLanguage = "en"

// ExtraLanguages returns the requested languages that need translation.
func (j *Job) ExtraLanguages() []string {
	var out []string
	for _, lang := range j.Languages {
		if !strings.EqualFold(lang, BaseLanguage) {
			out = append(out, lang)
		}
	}
	return out
}
