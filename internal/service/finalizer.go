package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/metrics"
	"generation-service/internal/signature"
)

// FinalizerStore is what finalization needs from persistence.
type FinalizerStore interface {
	LotsByJob(ctx context.Context, jobID uuid.UUID) ([]entity.Lot, error)
	CreateResultSnapshot(ctx context.Context, jobID uuid.UUID, payload []byte) error
}

// DeliveryStore creates webhook delivery records. Create reports whether a
// new record was made; false means one already existed for the job.
type DeliveryStore interface {
	Create(ctx context.Context, d *entity.WebhookDelivery) (bool, error)
}

// Finalizer runs exactly once per job, right after the first CAS into a
// terminal state wins: it snapshots the result and sets up the webhook
// delivery record. Every step is idempotent, so losing the process between
// the CAS and here only delays finalization to the next monitor cycle.
type Finalizer struct {
	store      FinalizerStore
	deliveries DeliveryStore
	queue      DeliveryQueue
	signer     *signature.Signer

	baseURL       string
	inlineMaxLots int
}

func NewFinalizer(store FinalizerStore, deliveries DeliveryStore, queue DeliveryQueue, signer *signature.Signer, baseURL string, inlineMaxLots int) *Finalizer {
	return &Finalizer{
		store:         store,
		deliveries:    deliveries,
		queue:         queue,
		signer:        signer,
		baseURL:       baseURL,
		inlineMaxLots: inlineMaxLots,
	}
}

// LotResult is the per-lot shape shared by the result snapshot and the
// webhook payload.
type LotResult struct {
	LotID         string           `json:"lot_id"`
	Status        entity.LotStatus `json:"status"`
	Descriptions  []Description    `json:"descriptions,omitempty"`
	MissingImages []string         `json:"missing_images,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

type resultPayload struct {
	JobID         uuid.UUID   `json:"job_id"`
	Status        string      `json:"status"`
	TotalLots     int         `json:"total_lots"`
	CompletedLots int         `json:"completed_lots"`
	FailedLots    int         `json:"failed_lots"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Lots          []LotResult `json:"lots"`
	CreatedAt     time.Time   `json:"created_at"`
}

type webhookPayload struct {
	JobID         uuid.UUID   `json:"job_id"`
	Status        string      `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	TotalLots     int         `json:"total_lots"`
	CompletedLots int         `json:"completed_lots"`
	FailedLots    int         `json:"failed_lots"`
	ResultURL     string      `json:"result_url"`
	Lots          []LotResult `json:"lots,omitempty"`
}

// Finalize builds the final payload for a job that just reached a terminal
// state, writes the snapshot (completed jobs only) and files the webhook
// delivery if a callback was requested.
func (f *Finalizer) Finalize(ctx context.Context, job *entity.Job) error {
	metrics.JobsFinalized.WithLabelValues(string(job.Status)).Inc()

	lots, err := f.store.LotsByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load lots: %w", err)
	}
	results := buildLotResults(job, lots)

	if job.Status == entity.StatusCompleted {
		snapshot := resultPayload{
			JobID:         job.ID,
			Status:        string(job.Status),
			TotalLots:     job.TotalLots,
			CompletedLots: job.ProcessedLots,
			FailedLots:    job.FailedLots,
			Lots:          results,
			CreatedAt:     time.Now().UTC(),
		}
		if job.Error != nil {
			snapshot.ErrorMessage = *job.Error
		}
		body, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		if err := f.store.CreateResultSnapshot(ctx, job.ID, body); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
	}

	if job.WebhookURL == "" {
		return nil
	}

	notice := webhookPayload{
		JobID:         job.ID,
		Status:        string(job.Status),
		Timestamp:     time.Now().UTC(),
		TotalLots:     job.TotalLots,
		CompletedLots: job.ProcessedLots,
		FailedLots:    job.FailedLots,
		ResultURL:     f.baseURL + "/api/v1/batch-results/" + job.ID.String(),
	}
	if job.TotalLots <= f.inlineMaxLots {
		notice.Lots = results
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}

	delivery := &entity.WebhookDelivery{
		ID:         uuid.New(),
		JobID:      job.ID,
		WebhookURL: job.WebhookURL,
		Payload:    payload,
		Signature:  f.signer.Sign(payload),
		Status:     entity.DeliveryPending,
	}
	created, err := f.deliveries.Create(ctx, delivery)
	if err != nil {
		return fmt.Errorf("file delivery: %w", err)
	}
	if !created {
		return nil
	}

	if err := f.queue.Enqueue(ctx, delivery.ID.String()); err != nil {
		// the monitor's due scan will pick it up
		log.Printf("[finalize] enqueue delivery failed job=%s err=%v", job.ID, err)
	}
	log.Printf("[finalize] job=%s status=%s processed=%d failed=%d webhook=queued",
		job.ID, job.Status, job.ProcessedLots, job.FailedLots)
	return nil
}

// buildLotResults renders each lot into the consumer-facing shape. The base
// language comes from the vision text; translated variants follow in the
// job's requested order.
func buildLotResults(job *entity.Job, lots []entity.Lot) []LotResult {
	results := make([]LotResult, 0, len(lots))
	for i := range lots {
		lot := &lots[i]
		item := LotResult{
			LotID:         lot.LotID,
			Status:        lot.Status,
			MissingImages: lot.MissingImages,
		}
		if lot.Error != nil {
			item.ErrorMessage = *lot.Error
		}
		if lot.VisionResult != nil {
			item.Descriptions = append(item.Descriptions, Description{
				Language: entity.BaseLanguage,
				Damages:  wrapParagraph(*lot.VisionResult),
			})
			for _, lang := range job.ExtraLanguages() {
				text, ok := lot.Translations[lang]
				if !ok {
					continue
				}
				item.Descriptions = append(item.Descriptions, Description{
					Language: lang,
					Damages:  wrapParagraph(text),
				})
			}
		}
		results = append(results, item)
	}
	return results
}
