package monitor_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/monitor"
	"generation-service/internal/provider"
	"generation-service/internal/service"
)

// fakeStore keeps a small in-memory job+lots state machine so a whole
// monitor cycle can run against it.
type fakeStore struct {
	job  *entity.Job
	lots []entity.Lot

	translationBatch string
	translations     map[string]map[string]string // lot uuid -> lang -> text
	transitions      []string

	// failure injection: 1-based call number of LotsByJob to fail, and a
	// countdown of SetTranslationBatchID calls that error out
	lotsCalls       int
	failLotsOnCall  int
	trBatchFailures int
}

func (s *fakeStore) ListActive(ctx context.Context) ([]entity.Job, error) {
	if s.job == nil || s.job.Status.Terminal() {
		return nil, nil
	}
	return []entity.Job{*s.job}, nil
}

func (s *fakeStore) ListUnfinalized(ctx context.Context, limit int) ([]entity.Job, error) {
	return nil, nil
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j := *s.job
	return &j, nil
}

func (s *fakeStore) LotsByJob(ctx context.Context, jobID uuid.UUID) ([]entity.Lot, error) {
	s.lotsCalls++
	if s.lotsCalls == s.failLotsOnCall {
		return nil, errors.New("transient db error")
	}
	out := make([]entity.Lot, len(s.lots))
	copy(out, s.lots)
	return out, nil
}

func (s *fakeStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to entity.JobStatus, errMsg *string) (bool, error) {
	s.transitions = append(s.transitions, string(from)+"->"+string(to))
	if s.job.Status != from {
		return false, nil
	}
	s.job.Status = to
	if errMsg != nil {
		s.job.Error = errMsg
	}
	return true, nil
}

func (s *fakeStore) ResolveLotVision(ctx context.Context, jobID, lotID uuid.UUID, text string) (bool, error) {
	for i := range s.lots {
		if s.lots[i].ID != lotID {
			continue
		}
		if s.lots[i].Status != entity.LotPending {
			return false, nil
		}
		s.lots[i].Status = entity.LotProcessed
		s.lots[i].VisionResult = &text
		s.job.ProcessedLots++
		return true, nil
	}
	return false, errors.New("no such lot")
}

func (s *fakeStore) FailLot(ctx context.Context, jobID, lotID uuid.UUID, reason string) (bool, error) {
	for i := range s.lots {
		if s.lots[i].ID != lotID {
			continue
		}
		if s.lots[i].Status != entity.LotPending {
			return false, nil
		}
		s.lots[i].Status = entity.LotFailed
		s.lots[i].Error = &reason
		s.job.FailedLots++
		return true, nil
	}
	return false, errors.New("no such lot")
}

func (s *fakeStore) SetLotTranslation(ctx context.Context, lotID uuid.UUID, lang, text string) error {
	if s.translations == nil {
		s.translations = map[string]map[string]string{}
	}
	m := s.translations[lotID.String()]
	if m == nil {
		m = map[string]string{}
		s.translations[lotID.String()] = m
	}
	m[lang] = text
	return nil
}

func (s *fakeStore) SetVisionBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error) {
	if s.job.VisionBatchID != "" {
		return false, nil
	}
	s.job.VisionBatchID = batchID
	return true, nil
}

func (s *fakeStore) SetTranslationBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error) {
	if s.trBatchFailures > 0 {
		s.trBatchFailures--
		return false, errors.New("transient db error")
	}
	if s.job.TranslationBatchID != "" {
		return false, nil
	}
	s.translationBatch = batchID
	s.job.TranslationBatchID = batchID
	return true, nil
}

type fakeClient struct {
	statuses map[string]provider.BatchStatus
	results  map[string][]provider.ResultEntry

	polls     []string
	submitted [][]provider.BatchRequest
	submitErr error
}

func (c *fakeClient) SubmitBatch(ctx context.Context, requests []provider.BatchRequest, description string) (string, error) {
	c.submitted = append(c.submitted, requests)
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "batch_tr", nil
}

func (c *fakeClient) GetBatchStatus(ctx context.Context, batchID string) (provider.BatchStatus, error) {
	c.polls = append(c.polls, batchID)
	st, ok := c.statuses[batchID]
	if !ok {
		return provider.BatchStatus{}, errors.New("unknown batch")
	}
	return st, nil
}

func (c *fakeClient) DownloadResults(ctx context.Context, fileID string) ([]provider.ResultEntry, error) {
	return c.results[fileID], nil
}

func (c *fakeClient) CancelBatch(ctx context.Context, batchID string) error { return nil }

func (c *fakeClient) CreateResponse(ctx context.Context, body provider.RequestBody) (string, error) {
	return "", errors.New("not implemented")
}

type fakeFinalizer struct {
	finalized []entity.JobStatus
}

func (f *fakeFinalizer) Finalize(ctx context.Context, job *entity.Job) error {
	f.finalized = append(f.finalized, job.Status)
	return nil
}

type fakeDeliveries struct{ due []uuid.UUID }

func (d *fakeDeliveries) ListDue(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	return d.due, nil
}

type fakeQueue struct{ enqueued []string }

func (q *fakeQueue) Enqueue(ctx context.Context, id string) error {
	q.enqueued = append(q.enqueued, id)
	return nil
}
func (q *fakeQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	return "", errors.New("not implemented")
}
func (q *fakeQueue) Ack(ctx context.Context, id string) error                  { return nil }
func (q *fakeQueue) RequeueStale(ctx context.Context, max int64) (int64, error) { return 0, nil }

func okEntry(customID, text string) provider.ResultEntry {
	return provider.ResultEntry{
		CustomID: customID,
		Response: &provider.EntryResponse{
			StatusCode: 200,
			Body: provider.ResponseBody{
				Status: "completed",
				Output: []provider.OutputItem{
					{Type: "reasoning"},
					{Type: "message", Content: []provider.ContentFragment{{Type: "output_text", Text: text}}},
				},
			},
		},
	}
}

func noMessageEntry(customID string) provider.ResultEntry {
	return provider.ResultEntry{
		CustomID: customID,
		Response: &provider.EntryResponse{
			StatusCode: 200,
			Body: provider.ResponseBody{
				Status: "completed",
				Output: []provider.OutputItem{{Type: "reasoning"}},
			},
		},
	}
}

func visionFixture(languages []string, lotIDs ...string) (*fakeStore, *entity.Job) {
	job := &entity.Job{
		ID:            uuid.New(),
		Status:        entity.StatusProcessing,
		Languages:     languages,
		TotalLots:     len(lotIDs),
		VisionBatchID: "batch_v",
	}
	store := &fakeStore{job: job}
	for _, lotID := range lotIDs {
		store.lots = append(store.lots, entity.Lot{
			ID:     uuid.New(),
			JobID:  job.ID,
			LotID:  lotID,
			Status: entity.LotPending,
		})
	}
	return store, job
}

func monitorSettings() service.Settings {
	return service.Settings{
		VisionModel:      "o4-mini",
		TranslationModel: "gpt-4.1-mini",
		VisionPrompt:     "describe the damage",
	}
}

func newMonitor(store *fakeStore, client *fakeClient, fin *fakeFinalizer, queue *fakeQueue) *monitor.Monitor {
	return monitor.New(store, client, fin, &fakeDeliveries{}, queue, time.Minute, monitorSettings(), 5)
}

func TestCycle_PartialVisionSuccess(t *testing.T) {
	store, job := visionFixture([]string{"en"}, "A", "B")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {
				okEntry(service.VisionKey(job.ID, "A"), "front bumper cracked"),
				noMessageEntry(service.VisionKey(job.ID, "B")),
			},
		},
	}
	fin := &fakeFinalizer{}

	newMonitor(store, client, fin, &fakeQueue{}).Cycle(context.Background())

	if store.job.ProcessedLots != 1 || store.job.FailedLots != 1 {
		t.Fatalf("expected processed=1 failed=1, got %d/%d", store.job.ProcessedLots, store.job.FailedLots)
	}
	if store.job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s", store.job.Status)
	}
	if len(fin.finalized) != 1 {
		t.Fatalf("expected one finalization, got %d", len(fin.finalized))
	}
	if store.lots[1].Error == nil {
		t.Fatalf("failed lot should carry a reason")
	}
}

func TestCycle_AbsentLotIsFailed(t *testing.T) {
	store, job := visionFixture([]string{"en"}, "A", "B")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry(service.VisionKey(job.ID, "A"), "ok")},
		},
	}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.lots[1].Status != entity.LotFailed {
		t.Fatalf("expected absent lot failed, got %s", store.lots[1].Status)
	}
	if store.lots[1].Error == nil || !strings.Contains(*store.lots[1].Error, "no result") {
		t.Fatalf("unexpected reason: %v", store.lots[1].Error)
	}
}

func TestCycle_LegacyCorrelationKeyResolves(t *testing.T) {
	store, _ := visionFixture([]string{"en"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry("vision:A", "text via legacy key")},
		},
	}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.job.ProcessedLots != 1 {
		t.Fatalf("legacy key should resolve the lot, got processed=%d", store.job.ProcessedLots)
	}
}

func TestCycle_ExtraLanguagesStartTranslation(t *testing.T) {
	store, job := visionFixture([]string{"en", "ru", "de"}, "A", "B")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {
				okEntry(service.VisionKey(job.ID, "A"), "text a"),
				okEntry(service.VisionKey(job.ID, "B"), "text b"),
			},
		},
	}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusTranslating {
		t.Fatalf("expected translating, got %s", store.job.Status)
	}
	if store.translationBatch != "batch_tr" {
		t.Fatalf("translation batch handle not recorded")
	}
	// 2 lots x 2 extra languages
	if len(client.submitted) != 1 || len(client.submitted[0]) != 4 {
		t.Fatalf("expected 4 translation requests, got %#v", client.submitted)
	}
	for _, req := range client.submitted[0] {
		if !strings.HasPrefix(req.CustomID, "tr:"+job.ID.String()+":") {
			t.Fatalf("unexpected translation key %q", req.CustomID)
		}
	}
}

func TestCycle_TranslationSubmitFailureStillCompletes(t *testing.T) {
	store, job := visionFixture([]string{"en", "fr"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry(service.VisionKey(job.ID, "A"), "text a")},
		},
		submitErr: errors.New("provider down"),
	}
	fin := &fakeFinalizer{}

	newMonitor(store, client, fin, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s", store.job.Status)
	}
	if store.job.Error == nil || !strings.Contains(*store.job.Error, "translation submission failed") {
		t.Fatalf("expected explanatory note, got %v", store.job.Error)
	}
	if store.lots[0].VisionResult == nil {
		t.Fatalf("vision text must survive translation failure")
	}
	if len(fin.finalized) != 1 {
		t.Fatalf("expected one finalization")
	}
}

func TestCycle_TranslationResumesAfterLostLotsRead(t *testing.T) {
	store, job := visionFixture([]string{"en", "ru"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry(service.VisionKey(job.ID, "A"), "text a")},
		},
	}
	// consumeVision reads the lots once before the transition; fail the
	// read that follows it, after the job is already in translating
	store.failLotsOnCall = 2
	m := newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{})

	m.Cycle(context.Background())

	if store.job.Status != entity.StatusTranslating {
		t.Fatalf("expected translating, got %s", store.job.Status)
	}
	if store.translationBatch != "" || len(client.submitted) != 0 {
		t.Fatalf("no batch may be submitted while the lots read fails")
	}

	m.Cycle(context.Background())

	if store.translationBatch != "batch_tr" {
		t.Fatalf("next cycle must re-drive the submission, handle=%q", store.translationBatch)
	}
	if len(client.submitted) != 1 || len(client.submitted[0]) != 1 {
		t.Fatalf("expected one translation request, got %#v", client.submitted)
	}
}

func TestCycle_TranslationHandleWriteFailureResubmits(t *testing.T) {
	store, job := visionFixture([]string{"en", "ru"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry(service.VisionKey(job.ID, "A"), "text a")},
		},
	}
	store.trBatchFailures = 1
	m := newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{})

	m.Cycle(context.Background())

	if store.job.Status != entity.StatusTranslating || store.translationBatch != "" {
		t.Fatalf("expected translating with no handle, got %s handle=%q",
			store.job.Status, store.translationBatch)
	}

	m.Cycle(context.Background())

	if store.translationBatch != "batch_tr" {
		t.Fatalf("handle must be recorded on the retry, got %q", store.translationBatch)
	}
	if len(client.submitted) != 2 {
		t.Fatalf("expected a second submission after the lost handle, got %d", len(client.submitted))
	}
}

func TestCycle_StalePendingAdmissionIsResubmitted(t *testing.T) {
	job := &entity.Job{
		ID:        uuid.New(),
		Status:    entity.StatusPending,
		Languages: []string{"en"},
		TotalLots: 1,
	}
	store := &fakeStore{job: job, lots: []entity.Lot{{
		ID:        uuid.New(),
		JobID:     job.ID,
		LotID:     "A",
		Status:    entity.LotPending,
		ImageURLs: []string{"https://cdn.example.com/1.jpg"},
	}}}
	client := &fakeClient{}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.job.VisionBatchID == "" {
		t.Fatalf("vision batch handle not recorded")
	}
	if store.job.Status != entity.StatusProcessing {
		t.Fatalf("expected processing, got %s", store.job.Status)
	}
	if len(client.submitted) != 1 || len(client.submitted[0]) != 1 {
		t.Fatalf("expected one vision request, got %#v", client.submitted)
	}
	if !strings.HasPrefix(client.submitted[0][0].CustomID, "vision:"+job.ID.String()+":") {
		t.Fatalf("unexpected correlation key %q", client.submitted[0][0].CustomID)
	}
}

func TestCycle_PendingJobWithRecordedHandleEntersProcessing(t *testing.T) {
	job := &entity.Job{
		ID:            uuid.New(),
		Status:        entity.StatusPending,
		Languages:     []string{"en"},
		TotalLots:     1,
		VisionBatchID: "batch_v",
	}
	store := &fakeStore{job: job}
	client := &fakeClient{}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusProcessing {
		t.Fatalf("expected processing, got %s", store.job.Status)
	}
	if len(client.submitted) != 0 {
		t.Fatalf("a recorded handle must not be resubmitted, got %#v", client.submitted)
	}
}

func TestCycle_TranslationBatchExpiredKeepsVisionText(t *testing.T) {
	store, job := visionFixture([]string{"en", "ru"}, "A")
	text := "visible rust on frame"
	store.lots[0].Status = entity.LotProcessed
	store.lots[0].VisionResult = &text
	job.Status = entity.StatusTranslating
	job.ProcessedLots = 1
	job.TranslationBatchID = "batch_tr"

	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_tr": {ID: "batch_tr", State: provider.BatchExpired},
		},
	}
	fin := &fakeFinalizer{}

	newMonitor(store, client, fin, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s", store.job.Status)
	}
	if store.job.Error == nil || !strings.Contains(*store.job.Error, "translations unavailable") {
		t.Fatalf("expected note, got %v", store.job.Error)
	}
	if store.lots[0].VisionResult == nil || *store.lots[0].VisionResult != text {
		t.Fatalf("vision text was lost")
	}
	if len(fin.finalized) != 1 || fin.finalized[0] != entity.StatusCompleted {
		t.Fatalf("expected completion finalize, got %#v", fin.finalized)
	}
}

func TestCycle_TranslationResultsMerged(t *testing.T) {
	store, job := visionFixture([]string{"en", "ru"}, "A")
	text := "broken headlight"
	store.lots[0].Status = entity.LotProcessed
	store.lots[0].VisionResult = &text
	job.Status = entity.StatusTranslating
	job.ProcessedLots = 1
	job.TranslationBatchID = "batch_tr"

	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_tr": {ID: "batch_tr", State: provider.BatchCompleted, OutputFileID: "file_tr"},
		},
		results: map[string][]provider.ResultEntry{
			"file_tr": {okEntry(service.TranslationKey(job.ID, "A", "ru"), "разбита фара")},
		},
	}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s", store.job.Status)
	}
	got := store.translations[store.lots[0].ID.String()]["ru"]
	if got != "разбита фара" {
		t.Fatalf("translation not stored, got %q", got)
	}
}

func TestCycle_RepolledBatchIsIdempotent(t *testing.T) {
	store, job := visionFixture([]string{"en"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]provider.ResultEntry{
			"file_1": {okEntry(service.VisionKey(job.ID, "A"), "text")},
		},
	}
	m := newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{})

	m.Cycle(context.Background())
	// completed now; force a second consumption of the same stream
	store.job.Status = entity.StatusProcessing
	m.Cycle(context.Background())

	if store.job.ProcessedLots != 1 {
		t.Fatalf("re-poll must not double count, got processed=%d", store.job.ProcessedLots)
	}
}

func TestCycle_VisionBatchFailedFailsJob(t *testing.T) {
	store, _ := visionFixture([]string{"en"}, "A")
	client := &fakeClient{
		statuses: map[string]provider.BatchStatus{
			"batch_v": {ID: "batch_v", State: provider.BatchFailed, Detail: "input file rejected"},
		},
	}
	fin := &fakeFinalizer{}

	newMonitor(store, client, fin, &fakeQueue{}).Cycle(context.Background())

	if store.job.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", store.job.Status)
	}
	if store.job.Error == nil || !strings.Contains(*store.job.Error, "input file rejected") {
		t.Fatalf("detail not captured: %v", store.job.Error)
	}
	if len(fin.finalized) != 1 {
		t.Fatalf("failed jobs finalize too (webhook), got %d", len(fin.finalized))
	}
}

func TestCycle_TerminalJobsAreNotPolled(t *testing.T) {
	store, _ := visionFixture([]string{"en"}, "A")
	store.job.Status = entity.StatusCancelled
	client := &fakeClient{statuses: map[string]provider.BatchStatus{}}

	newMonitor(store, client, &fakeFinalizer{}, &fakeQueue{}).Cycle(context.Background())

	if len(client.polls) != 0 {
		t.Fatalf("terminal job must not reach the provider, polls=%v", client.polls)
	}
}

func TestCycle_DueDeliveriesAreDispatched(t *testing.T) {
	store := &fakeStore{job: &entity.Job{ID: uuid.New(), Status: entity.StatusCompleted}}
	due := []uuid.UUID{uuid.New(), uuid.New()}
	queue := &fakeQueue{}
	m := monitor.New(store, &fakeClient{}, &fakeFinalizer{}, &fakeDeliveries{due: due}, queue, time.Minute, monitorSettings(), 5)

	m.Cycle(context.Background())

	if len(queue.enqueued) != 2 {
		t.Fatalf("expected 2 dispatched deliveries, got %v", queue.enqueued)
	}
}
