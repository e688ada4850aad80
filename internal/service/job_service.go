package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/provider"
)

// SupportedVersion is the only protocol version the submission endpoint
// accepts.
const SupportedVersion = "1.0.0"

// JobStore is the persistence port of the service layer
// (implementation: postgresql.JobRepository).
type JobStore interface {
	CreateJobWithLots(ctx context.Context, job *entity.Job, lots []entity.Lot) error
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]entity.Job, int, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to entity.JobStatus, errMsg *string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	SetVisionBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error)
	GetResultSnapshot(ctx context.Context, jobID uuid.UUID) (*entity.ResultSnapshot, error)
}

type JobService struct {
	store    JobStore
	client   provider.Client
	settings Settings
}

// Settings carries the admission limits and model names the service needs.
type Settings struct {
	VisionModel          string
	TranslationModel     string
	VisionPrompt         string
	MaxLots              int
	MaxSyncImages        int
	SyncBudget           time.Duration
	AllowPrivateWebhooks bool
}

func NewJobService(store JobStore, client provider.Client, settings Settings) *JobService {
	return &JobService{store: store, client: client, settings: settings}
}

type SubmitLot struct {
	LotID          string
	AdditionalInfo string
	ImageURLs      []string
	Webhook        string
}

type SubmitRequest struct {
	Version   string
	Languages []string
	Lots      []SubmitLot
}

// Description is one language variant of a lot's generated text. Damages
// carries the text wrapped in a paragraph tag, matching the consumer
// contract.
type Description struct {
	Language string `json:"language"`
	Damages  string `json:"damages"`
}

type SyncLotResult struct {
	LotID        string        `json:"lot_id"`
	Descriptions []Description `json:"descriptions"`
}

// SubmitResult is either an inline result (Sync true) or an accepted
// asynchronous job.
type SubmitResult struct {
	Sync     bool
	SyncLots []SyncLotResult
	JobID    uuid.UUID
	Status   entity.JobStatus
}

// Submit validates the request and routes it: a single lot with few enough
// images is answered inline against the provider; everything else becomes a
// durable job backed by a provider batch.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	webhookURL, err := s.validate(ctx, &req)
	if err != nil {
		return nil, err
	}

	if len(req.Lots) == 1 && len(req.Lots[0].ImageURLs) <= s.settings.MaxSyncImages {
		return s.submitSync(ctx, req)
	}
	return s.submitAsync(ctx, req, webhookURL)
}

// validate applies the admission rules and returns the agreed callback URL
// (empty when none was given). All failures are ErrValidation so the
// transport can answer 400 without persisting anything.
func (s *JobService) validate(ctx context.Context, req *SubmitRequest) (string, error) {
	if req.Version != SupportedVersion {
		return "", fmt.Errorf("%w: unsupported version %q", ErrValidation, req.Version)
	}
	if len(req.Lots) == 0 {
		return "", fmt.Errorf("%w: at least one lot is required", ErrValidation)
	}
	if len(req.Lots) > s.settings.MaxLots {
		return "", fmt.Errorf("%w: too many lots: %d (max %d)", ErrValidation, len(req.Lots), s.settings.MaxLots)
	}
	if len(req.Languages) == 0 {
		req.Languages = []string{entity.BaseLanguage}
	}

	webhookURL := ""
	seen := map[string]struct{}{}
	for i := range req.Lots {
		lot := &req.Lots[i]
		if lot.LotID == "" {
			return "", fmt.Errorf("%w: lot %d: lot_id is required", ErrValidation, i)
		}
		if _, dup := seen[lot.LotID]; dup {
			return "", fmt.Errorf("%w: duplicate lot_id %q", ErrValidation, lot.LotID)
		}
		seen[lot.LotID] = struct{}{}
		if len(lot.ImageURLs) == 0 {
			return "", fmt.Errorf("%w: lot %q: at least one image is required", ErrValidation, lot.LotID)
		}
		for _, u := range lot.ImageURLs {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				return "", fmt.Errorf("%w: lot %q: image url must be http(s)", ErrValidation, lot.LotID)
			}
		}
		if lot.Webhook != "" {
			if webhookURL == "" {
				webhookURL = lot.Webhook
			} else if webhookURL != lot.Webhook {
				return "", fmt.Errorf("%w: lots disagree on webhook url", ErrValidation)
			}
		}
	}

	if webhookURL != "" && !s.settings.AllowPrivateWebhooks {
		if err := ValidateWebhookURL(ctx, webhookURL); err != nil {
			return "", fmt.Errorf("%w: webhook url: %v", ErrValidation, err)
		}
	}
	return webhookURL, nil
}

// submitSync answers the single-lot case inline. The whole exchange,
// translations included, shares one wall-clock budget; a translation that
// fails inside the budget falls back to the base-language text rather than
// failing the request.
func (s *JobService) submitSync(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.SyncBudget)
	defer cancel()

	lot := req.Lots[0]
	input := VisionInput(s.settings.VisionPrompt, lot.AdditionalInfo, lot.ImageURLs)
	text, err := s.client.CreateResponse(ctx, provider.RequestBody{
		Model:           s.settings.VisionModel,
		Input:           input,
		MaxOutputTokens: maxOutputTokens,
		Reasoning:       &provider.Reasoning{Effort: "medium"},
	})
	if err != nil {
		return nil, fmt.Errorf("inline generation: %w", err)
	}

	descriptions := []Description{{Language: entity.BaseLanguage, Damages: wrapParagraph(text)}}
	job := entity.Job{Languages: req.Languages}
	for _, lang := range job.ExtraLanguages() {
		translated, err := s.client.CreateResponse(ctx, provider.RequestBody{
			Model:           s.settings.TranslationModel,
			Input:           TranslationInput(lang, text),
			MaxOutputTokens: maxOutputTokens,
		})
		if err != nil {
			log.Printf("[service] inline translation failed lang=%s lot=%s err=%v", lang, lot.LotID, err)
			translated = text
		}
		descriptions = append(descriptions, Description{Language: lang, Damages: wrapParagraph(translated)})
	}

	return &SubmitResult{
		Sync:     true,
		SyncLots: []SyncLotResult{{LotID: lot.LotID, Descriptions: descriptions}},
	}, nil
}

// submitAsync persists the job, submits the vision batch and records the
// handle. A provider rejection marks the job failed immediately; the error
// carries the job id so the failure stays observable through the status API.
func (s *JobService) submitAsync(ctx context.Context, req SubmitRequest, webhookURL string) (*SubmitResult, error) {
	job := &entity.Job{
		ID:         uuid.New(),
		Status:     entity.StatusPending,
		Languages:  req.Languages,
		WebhookURL: webhookURL,
		TotalLots:  len(req.Lots),
	}

	lots := make([]entity.Lot, len(req.Lots))
	for i, in := range req.Lots {
		lots[i] = entity.Lot{
			ID:             uuid.New(),
			JobID:          job.ID,
			LotID:          in.LotID,
			AdditionalInfo: in.AdditionalInfo,
			ImageURLs:      in.ImageURLs,
			Status:         entity.LotPending,
		}
	}

	if err := s.store.CreateJobWithLots(ctx, job, lots); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	requests := make([]provider.BatchRequest, len(lots))
	for i := range lots {
		requests[i] = VisionBatchRequest(s.settings.VisionModel, s.settings.VisionPrompt, job.ID, &lots[i])
	}

	batchID, err := s.client.SubmitBatch(ctx, requests, "vision "+job.ID.String())
	if err != nil {
		msg := truncateErr(err)
		if _, terr := s.store.TransitionStatus(ctx, job.ID, entity.StatusPending, entity.StatusFailed, &msg); terr != nil {
			log.Printf("[service] mark failed job=%s err=%v", job.ID, terr)
		}
		return nil, &SubmissionError{JobID: job.ID, Err: fmt.Errorf("submit vision batch: %w", err)}
	}

	applied, err := s.store.SetVisionBatchID(ctx, job.ID, batchID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// the monitor resubmitted this job as a stale admission; its handle wins
		if cerr := s.client.CancelBatch(ctx, batchID); cerr != nil {
			log.Printf("[service] cancel duplicate vision batch=%s err=%v", batchID, cerr)
		}
	}
	if _, err := s.store.TransitionStatus(ctx, job.ID, entity.StatusPending, entity.StatusProcessing, nil); err != nil {
		return nil, err
	}

	log.Printf("[service] job accepted job=%s lots=%d languages=%v batch=%s",
		job.ID, len(lots), req.Languages, batchID)
	return &SubmitResult{JobID: job.ID, Status: entity.StatusProcessing}, nil
}

func (s *JobService) Status(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Results returns the immutable snapshot of a completed job. A job that is
// still running (or failed) yields ErrNotReady so the transport can answer
// 202 instead of 404.
func (s *JobService) Results(ctx context.Context, id uuid.UUID) (*entity.ResultSnapshot, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != entity.StatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	return s.store.GetResultSnapshot(ctx, id)
}

// Cancel stops an active job. The provider batch cancel is best-effort; the
// local status is authoritative either way.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Cancellable() {
		return nil, fmt.Errorf("%w: job is %s", ErrNotCancellable, job.Status)
	}

	for _, batchID := range []string{job.VisionBatchID, job.TranslationBatchID} {
		if batchID == "" {
			continue
		}
		if err := s.client.CancelBatch(ctx, batchID); err != nil {
			log.Printf("[service] provider cancel failed job=%s batch=%s err=%v", id, batchID, err)
		}
	}

	ok, err := s.store.Cancel(ctx, id, "cancelled by client")
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost the race against the monitor finishing the job
		return nil, fmt.Errorf("%w: job reached a terminal state", ErrNotCancellable)
	}
	return s.store.GetJob(ctx, id)
}

func (s *JobService) List(ctx context.Context, status string, limit, offset int) ([]entity.Job, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListJobs(ctx, status, limit, offset)
}

func wrapParagraph(text string) string {
	return "<p>" + text + "</p>"
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
