// Package monitor drives the asynchronous half of the pipeline: a single
// goroutine polls the provider for every active job, consumes finished
// batches, advances the job state machine and dispatches due webhook
// deliveries. The service runs one monitor instance; every mutation it makes
// is a compare-and-swap or conditional update, so a crashed or repeated
// cycle re-converges instead of double-applying.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/metrics"
	"generation-service/internal/provider"
	"generation-service/internal/service"
)

// Store is the persistence surface the monitor needs
// (implementation: postgresql.JobRepository).
type Store interface {
	ListActive(ctx context.Context) ([]entity.Job, error)
	ListUnfinalized(ctx context.Context, limit int) ([]entity.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	LotsByJob(ctx context.Context, jobID uuid.UUID) ([]entity.Lot, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to entity.JobStatus, errMsg *string) (bool, error)
	ResolveLotVision(ctx context.Context, jobID, lotID uuid.UUID, text string) (bool, error)
	FailLot(ctx context.Context, jobID, lotID uuid.UUID, reason string) (bool, error)
	SetLotTranslation(ctx context.Context, lotID uuid.UUID, lang, text string) error
	SetVisionBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error)
	SetTranslationBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error)
}

// Finalizer runs the one-time completion work after a terminal CAS wins.
type Finalizer interface {
	Finalize(ctx context.Context, job *entity.Job) error
}

// DeliverySource lists webhook deliveries whose next attempt is due.
type DeliverySource interface {
	ListDue(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error)
}

type Monitor struct {
	store      Store
	client     provider.Client
	finalizer  Finalizer
	deliveries DeliverySource
	queue      service.DeliveryQueue

	interval           time.Duration
	settings           service.Settings
	webhookMaxAttempts int
	dispatchBatchLimit int
}

func New(store Store, client provider.Client, finalizer Finalizer, deliveries DeliverySource, queue service.DeliveryQueue, interval time.Duration, settings service.Settings, webhookMaxAttempts int) *Monitor {
	return &Monitor{
		store:              store,
		client:             client,
		finalizer:          finalizer,
		deliveries:         deliveries,
		queue:              queue,
		interval:           interval,
		settings:           settings,
		webhookMaxAttempts: webhookMaxAttempts,
		dispatchBatchLimit: 100,
	}
}

// Run loops until the context is cancelled. One cycle runs immediately so a
// restart does not wait a full interval before resuming in-flight jobs.
func (m *Monitor) Run(ctx context.Context) {
	log.Printf("[monitor] started interval=%s", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor] stopped")
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle polls every active job once, then dispatches due webhook deliveries.
// Errors never abort the cycle: a job that cannot be advanced now is
// retried on the next tick.
func (m *Monitor) Cycle(ctx context.Context) {
	jobs, err := m.store.ListActive(ctx)
	if err != nil {
		log.Printf("[monitor] list active jobs err=%v", err)
		return
	}
	for i := range jobs {
		m.checkJob(ctx, &jobs[i])
	}
	m.reconcile(ctx)
	m.dispatchWebhooks(ctx)
	metrics.MonitorCycles.Inc()
}

// reconcile re-runs finalization for terminal jobs that lost their
// completion side effects to a crash between the status CAS and Finalize.
func (m *Monitor) reconcile(ctx context.Context) {
	jobs, err := m.store.ListUnfinalized(ctx, m.dispatchBatchLimit)
	if err != nil {
		log.Printf("[monitor] list unfinalized err=%v", err)
		return
	}
	for i := range jobs {
		log.Printf("[monitor] re-finalizing job=%s status=%s", jobs[i].ID, jobs[i].Status)
		if err := m.finalizer.Finalize(ctx, &jobs[i]); err != nil {
			log.Printf("[monitor] re-finalize job=%s err=%v", jobs[i].ID, err)
		}
	}
}

func (m *Monitor) checkJob(ctx context.Context, job *entity.Job) {
	batchID := job.ActiveBatchID()
	if batchID == "" {
		// a crash between a provider submission and the handle write, or
		// between admission and submission, leaves an active job without a
		// batch; re-drive the submission for the current phase
		switch job.Status {
		case entity.StatusPending:
			m.resumeVision(ctx, job)
		case entity.StatusTranslating:
			m.submitTranslation(ctx, job)
		default:
			log.Printf("[monitor] job=%s status=%s has no batch handle", job.ID, job.Status)
		}
		return
	}
	phase := "vision"
	if job.Status == entity.StatusTranslating {
		phase = "translation"
	}

	status, err := m.client.GetBatchStatus(ctx, batchID)
	if err != nil {
		// transient: the job stays active and is polled again next cycle
		log.Printf("[monitor] poll job=%s batch=%s err=%v", job.ID, batchID, err)
		return
	}
	metrics.BatchPolls.WithLabelValues(phase).Inc()

	switch status.State {
	case provider.BatchCompleted:
		if job.Status == entity.StatusProcessing {
			m.consumeVision(ctx, job, status)
		} else {
			m.consumeTranslation(ctx, job, status)
		}

	case provider.BatchFailed, provider.BatchExpired, provider.BatchCancelled:
		detail := "batch " + string(status.State)
		if status.Detail != "" {
			detail += ": " + status.Detail
		}
		if job.Status == entity.StatusTranslating {
			// the base-language text already exists; deliver it
			note := "translations unavailable (" + detail + ")"
			m.completeJob(ctx, job.ID, entity.StatusTranslating, &note)
			return
		}
		m.failJob(ctx, job.ID, entity.StatusProcessing, detail)

	default:
		log.Printf("[monitor] job=%s batch=%s state=%s", job.ID, batchID, status.State)
	}
}

// consumeVision ingests a finished vision batch. Each entry settles its lot
// at most once; lots with no entry in the stream are soft-failed. The whole
// function is safe to run again for the same batch.
func (m *Monitor) consumeVision(ctx context.Context, job *entity.Job, status provider.BatchStatus) {
	entries, err := m.client.DownloadResults(ctx, status.OutputFileID)
	if err != nil {
		log.Printf("[monitor] download vision results job=%s err=%v", job.ID, err)
		return
	}

	lots, err := m.store.LotsByJob(ctx, job.ID)
	if err != nil {
		log.Printf("[monitor] load lots job=%s err=%v", job.ID, err)
		return
	}
	byExternalID := make(map[string]*entity.Lot, len(lots))
	for i := range lots {
		byExternalID[lots[i].LotID] = &lots[i]
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		key, err := service.ParseCorrelationKey(entry.CustomID)
		if err != nil || key.Phase != service.PhaseVision {
			log.Printf("[monitor] job=%s unusable custom_id=%q err=%v", job.ID, entry.CustomID, err)
			continue
		}
		lot, ok := byExternalID[key.LotID]
		if !ok {
			log.Printf("[monitor] job=%s entry for unknown lot=%q", job.ID, key.LotID)
			continue
		}
		seen[key.LotID] = struct{}{}
		if lot.Resolved() {
			continue
		}

		text, ok := provider.TextFromEntry(entry)
		if !ok {
			if _, err := m.store.FailLot(ctx, job.ID, lot.ID, "no message output in batch response"); err != nil {
				log.Printf("[monitor] fail lot job=%s lot=%s err=%v", job.ID, lot.LotID, err)
				continue
			}
			metrics.LotOutcomes.WithLabelValues("failed").Inc()
			continue
		}
		applied, err := m.store.ResolveLotVision(ctx, job.ID, lot.ID, text)
		if err != nil {
			log.Printf("[monitor] resolve lot job=%s lot=%s err=%v", job.ID, lot.LotID, err)
			continue
		}
		if applied {
			metrics.LotOutcomes.WithLabelValues("processed").Inc()
		}
	}

	// the provider silently drops some inputs on expiry; settle the leftovers
	for i := range lots {
		lot := &lots[i]
		if lot.Resolved() {
			continue
		}
		if _, ok := seen[lot.LotID]; ok {
			continue
		}
		applied, err := m.store.FailLot(ctx, job.ID, lot.ID, "no result returned for lot")
		if err != nil {
			log.Printf("[monitor] fail absent lot job=%s lot=%s err=%v", job.ID, lot.LotID, err)
			continue
		}
		if applied {
			metrics.LotOutcomes.WithLabelValues("failed").Inc()
		}
	}

	fresh, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Printf("[monitor] reload job=%s err=%v", job.ID, err)
		return
	}
	if len(fresh.ExtraLanguages()) > 0 && fresh.ProcessedLots > 0 {
		m.startTranslation(ctx, fresh)
		return
	}
	m.completeJob(ctx, job.ID, entity.StatusProcessing, nil)
}

// startTranslation moves the job into its second phase. The CAS into
// translating is taken first so a concurrent or repeated cycle cannot
// submit twice; if the process dies before the batch handle is recorded,
// checkJob re-drives the submission on a later cycle.
func (m *Monitor) startTranslation(ctx context.Context, job *entity.Job) {
	ok, err := m.store.TransitionStatus(ctx, job.ID, entity.StatusProcessing, entity.StatusTranslating, nil)
	if err != nil {
		log.Printf("[monitor] enter translating job=%s err=%v", job.ID, err)
		return
	}
	if !ok {
		return
	}
	m.submitTranslation(ctx, job)
}

// submitTranslation builds and submits the translation batch for a job in
// translating with no batch handle yet. Safe to run repeatedly: the handle
// write is conditional, and a duplicate submission cancels its own batch.
func (m *Monitor) submitTranslation(ctx context.Context, job *entity.Job) {
	lots, err := m.store.LotsByJob(ctx, job.ID)
	if err != nil {
		// retried next cycle: the job still has no translation handle
		log.Printf("[monitor] load lots for translation job=%s err=%v", job.ID, err)
		return
	}

	var requests []provider.BatchRequest
	for i := range lots {
		if lots[i].Status != entity.LotProcessed || lots[i].VisionResult == nil {
			continue
		}
		for _, lang := range job.ExtraLanguages() {
			requests = append(requests, service.TranslationBatchRequest(m.settings.TranslationModel, job.ID, &lots[i], lang))
		}
	}
	if len(requests) == 0 {
		m.completeJob(ctx, job.ID, entity.StatusTranslating, nil)
		return
	}

	batchID, err := m.client.SubmitBatch(ctx, requests, "translation "+job.ID.String())
	if err != nil {
		// base-language results exist; complete rather than lose them
		note := "translation submission failed: " + err.Error()
		log.Printf("[monitor] submit translation job=%s err=%v", job.ID, err)
		m.completeJob(ctx, job.ID, entity.StatusTranslating, &note)
		return
	}
	applied, err := m.store.SetTranslationBatchID(ctx, job.ID, batchID)
	if err != nil {
		log.Printf("[monitor] record translation batch job=%s err=%v", job.ID, err)
		return
	}
	if !applied {
		// another submission recorded its handle first; drop the duplicate
		if err := m.client.CancelBatch(ctx, batchID); err != nil {
			log.Printf("[monitor] cancel duplicate translation batch=%s err=%v", batchID, err)
		}
		return
	}
	log.Printf("[monitor] translation submitted job=%s batch=%s requests=%d", job.ID, batchID, len(requests))
}

// resumeVision finishes an admission that died in flight: the job and its
// lots exist, but the vision batch was never submitted or its handle never
// recorded. Pending jobs only reach here after ListActive's grace period.
func (m *Monitor) resumeVision(ctx context.Context, job *entity.Job) {
	if job.VisionBatchID == "" {
		lots, err := m.store.LotsByJob(ctx, job.ID)
		if err != nil {
			log.Printf("[monitor] load lots for resume job=%s err=%v", job.ID, err)
			return
		}
		requests := make([]provider.BatchRequest, 0, len(lots))
		for i := range lots {
			if lots[i].Status != entity.LotPending {
				continue
			}
			requests = append(requests, service.VisionBatchRequest(m.settings.VisionModel, m.settings.VisionPrompt, job.ID, &lots[i]))
		}
		if len(requests) == 0 {
			m.failJob(ctx, job.ID, entity.StatusPending, "no submittable lots")
			return
		}

		batchID, err := m.client.SubmitBatch(ctx, requests, "vision "+job.ID.String())
		if err != nil {
			m.failJob(ctx, job.ID, entity.StatusPending, "vision submission failed: "+err.Error())
			return
		}
		applied, err := m.store.SetVisionBatchID(ctx, job.ID, batchID)
		if err != nil {
			log.Printf("[monitor] record vision batch job=%s err=%v", job.ID, err)
			return
		}
		if !applied {
			// the admission path won the race; drop the duplicate
			if err := m.client.CancelBatch(ctx, batchID); err != nil {
				log.Printf("[monitor] cancel duplicate vision batch=%s err=%v", batchID, err)
			}
			return
		}
		log.Printf("[monitor] vision resubmitted job=%s batch=%s requests=%d", job.ID, batchID, len(requests))
	}
	if _, err := m.store.TransitionStatus(ctx, job.ID, entity.StatusPending, entity.StatusProcessing, nil); err != nil {
		log.Printf("[monitor] enter processing job=%s err=%v", job.ID, err)
	}
}

// consumeTranslation merges finished translations into their lots. Missing
// or broken entries leave the base-language text in place.
func (m *Monitor) consumeTranslation(ctx context.Context, job *entity.Job, status provider.BatchStatus) {
	entries, err := m.client.DownloadResults(ctx, status.OutputFileID)
	if err != nil {
		log.Printf("[monitor] download translation results job=%s err=%v", job.ID, err)
		return
	}

	lots, err := m.store.LotsByJob(ctx, job.ID)
	if err != nil {
		log.Printf("[monitor] load lots job=%s err=%v", job.ID, err)
		return
	}
	byExternalID := make(map[string]*entity.Lot, len(lots))
	for i := range lots {
		byExternalID[lots[i].LotID] = &lots[i]
	}

	for _, entry := range entries {
		key, err := service.ParseCorrelationKey(entry.CustomID)
		if err != nil || key.Phase != service.PhaseTranslation {
			log.Printf("[monitor] job=%s unusable custom_id=%q err=%v", job.ID, entry.CustomID, err)
			continue
		}
		lot, ok := byExternalID[key.LotID]
		if !ok {
			continue
		}
		text, ok := provider.TextFromEntry(entry)
		if !ok {
			log.Printf("[monitor] job=%s lot=%s lang=%s translation missing", job.ID, key.LotID, key.Language)
			continue
		}
		if err := m.store.SetLotTranslation(ctx, lot.ID, key.Language, text); err != nil {
			log.Printf("[monitor] store translation job=%s lot=%s err=%v", job.ID, key.LotID, err)
		}
	}

	m.completeJob(ctx, job.ID, entity.StatusTranslating, nil)
}

// completeJob finishes the job from the given state. Only the winning CAS
// finalizes, so snapshot and webhook setup run once.
func (m *Monitor) completeJob(ctx context.Context, id uuid.UUID, from entity.JobStatus, note *string) {
	ok, err := m.store.TransitionStatus(ctx, id, from, entity.StatusCompleted, note)
	if err != nil {
		log.Printf("[monitor] complete job=%s err=%v", id, err)
		return
	}
	if !ok {
		return
	}
	m.finalize(ctx, id)
}

func (m *Monitor) failJob(ctx context.Context, id uuid.UUID, from entity.JobStatus, detail string) {
	ok, err := m.store.TransitionStatus(ctx, id, from, entity.StatusFailed, &detail)
	if err != nil {
		log.Printf("[monitor] fail job=%s err=%v", id, err)
		return
	}
	if !ok {
		return
	}
	log.Printf("[monitor] job failed job=%s detail=%s", id, detail)
	m.finalize(ctx, id)
}

func (m *Monitor) finalize(ctx context.Context, id uuid.UUID) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("[monitor] reload for finalize job=%s err=%v", id, err)
		return
	}
	if err := m.finalizer.Finalize(ctx, job); err != nil {
		log.Printf("[monitor] finalize job=%s err=%v", id, err)
	}
}

// dispatchWebhooks feeds due delivery ids to the worker queue and requeues
// anything a dead worker left behind on the processing list.
func (m *Monitor) dispatchWebhooks(ctx context.Context) {
	if _, err := m.queue.RequeueStale(ctx, int64(m.dispatchBatchLimit)); err != nil {
		log.Printf("[monitor] requeue stale deliveries err=%v", err)
	}

	ids, err := m.deliveries.ListDue(ctx, m.webhookMaxAttempts, m.dispatchBatchLimit)
	if err != nil {
		log.Printf("[monitor] list due deliveries err=%v", err)
		return
	}
	for _, id := range ids {
		if err := m.queue.Enqueue(ctx, id.String()); err != nil {
			log.Printf("[monitor] enqueue delivery=%s err=%v", id, err)
		}
	}
}
