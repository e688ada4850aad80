package entity

import (
	"time"

	"github.com/google/uuid"
)

type LotStatus string

const (
	LotPending   LotStatus = "pending"
	LotProcessed LotStatus = "processed"
	LotFailed    LotStatus = "failed"
)

// Lot is one subject (one vehicle) inside a job. It is owned exclusively
// by its job and resolved independently: the vision stage writes
// VisionResult at most once, the translation stage fills Translations.
type Lot struct {
	ID             uuid.UUID         `json:"-"`
	JobID          uuid.UUID         `json:"-"`
	LotID          string            `json:"lot_id"`
	AdditionalInfo string            `json:"additional_info,omitempty"`
	ImageURLs      []string          `json:"image_urls"`
	Status         LotStatus         `json:"status"`
	VisionResult   *string           `json:"vision_result,omitempty"`
	Translations   map[string]string `json:"translations,omitempty"`
	MissingImages  []string          `json:"missing_images,omitempty"`
	Error          *string           `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Resolved reports whether the vision stage settled this lot one way or
// the other.
func (l *Lot) Resolved() bool {
	return l.Status != LotPending
}
