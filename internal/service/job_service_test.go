package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/provider"
	"generation-service/internal/service"
)

type fakeStore struct {
	created     *entity.Job
	createdLots []entity.Lot
	createErr   error

	job    *entity.Job
	getErr error

	transitions []string
	batchID     string

	cancelOK  bool
	cancelled bool

	snapshot *entity.ResultSnapshot
}

func (s *fakeStore) CreateJobWithLots(ctx context.Context, job *entity.Job, lots []entity.Lot) error {
	s.created = job
	s.createdLots = lots
	return s.createErr
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, status string, limit, offset int) ([]entity.Job, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to entity.JobStatus, errMsg *string) (bool, error) {
	s.transitions = append(s.transitions, string(from)+"->"+string(to))
	return true, nil
}

func (s *fakeStore) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	s.cancelled = true
	return s.cancelOK, nil
}

func (s *fakeStore) SetVisionBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error) {
	s.batchID = batchID
	return true, nil
}

func (s *fakeStore) GetResultSnapshot(ctx context.Context, jobID uuid.UUID) (*entity.ResultSnapshot, error) {
	return s.snapshot, nil
}

type fakeClient struct {
	submitted     [][]provider.BatchRequest
	submitErr     error
	batchID       string
	responses     []string
	responseErrs  []error
	responseCalls int
	cancelledIDs  []string
}

func (c *fakeClient) SubmitBatch(ctx context.Context, requests []provider.BatchRequest, description string) (string, error) {
	c.submitted = append(c.submitted, requests)
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return c.batchID, nil
}

func (c *fakeClient) GetBatchStatus(ctx context.Context, batchID string) (provider.BatchStatus, error) {
	return provider.BatchStatus{}, errors.New("not implemented")
}

func (c *fakeClient) DownloadResults(ctx context.Context, fileID string) ([]provider.ResultEntry, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) CancelBatch(ctx context.Context, batchID string) error {
	c.cancelledIDs = append(c.cancelledIDs, batchID)
	return nil
}

func (c *fakeClient) CreateResponse(ctx context.Context, body provider.RequestBody) (string, error) {
	i := c.responseCalls
	c.responseCalls++
	if i < len(c.responseErrs) && c.responseErrs[i] != nil {
		return "", c.responseErrs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func testSettings() service.Settings {
	return service.Settings{
		VisionModel:      "o4-mini",
		TranslationModel: "gpt-4.1-mini",
		VisionPrompt:     "describe the damage",
		MaxLots:          100,
		MaxSyncImages:    20,
		SyncBudget:       5 * time.Second,
	}
}

func validRequest(lots int) service.SubmitRequest {
	req := service.SubmitRequest{
		Version:   "1.0.0",
		Languages: []string{"en"},
	}
	for i := 0; i < lots; i++ {
		req.Lots = append(req.Lots, service.SubmitLot{
			LotID:     "LOT-" + string(rune('A'+i)),
			ImageURLs: []string{"https://img.example.com/a.jpg"},
		})
	}
	return req
}

func TestSubmit_ValidationRejections(t *testing.T) {
	svc := service.NewJobService(&fakeStore{}, &fakeClient{}, testSettings())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*service.SubmitRequest)
	}{
		{"bad version", func(r *service.SubmitRequest) { r.Version = "2.0.0" }},
		{"no lots", func(r *service.SubmitRequest) { r.Lots = nil }},
		{"missing lot id", func(r *service.SubmitRequest) { r.Lots[0].LotID = "" }},
		{"no images", func(r *service.SubmitRequest) { r.Lots[0].ImageURLs = nil }},
		{"ftp image", func(r *service.SubmitRequest) { r.Lots[0].ImageURLs = []string{"ftp://x/y.jpg"} }},
		{"duplicate lot ids", func(r *service.SubmitRequest) { r.Lots[1].LotID = r.Lots[0].LotID }},
		{"webhook disagreement", func(r *service.SubmitRequest) {
			r.Lots[0].Webhook = "https://a.example.com/hook"
			r.Lots[1].Webhook = "https://b.example.com/hook"
		}},
		{"private webhook", func(r *service.SubmitRequest) {
			r.Lots[0].Webhook = "http://192.168.1.5/hook"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(2)
			tc.mutate(&req)
			_, err := svc.Submit(ctx, req)
			if !errors.Is(err, service.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmit_TooManyLots(t *testing.T) {
	settings := testSettings()
	settings.MaxLots = 3
	svc := service.NewJobService(&fakeStore{}, &fakeClient{}, settings)

	_, err := svc.Submit(context.Background(), validRequest(4))
	if !errors.Is(err, service.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSubmit_SyncPath_SingleSmallLot(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{responses: []string{"scratched left door", "поцарапана левая дверь"}}
	svc := service.NewJobService(store, client, testSettings())

	req := validRequest(1)
	req.Languages = []string{"en", "ru"}

	res, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Sync {
		t.Fatalf("expected synchronous result")
	}
	if store.created != nil {
		t.Fatalf("sync path must not persist a job")
	}
	if len(res.SyncLots) != 1 || len(res.SyncLots[0].Descriptions) != 2 {
		t.Fatalf("unexpected result shape: %#v", res.SyncLots)
	}
	if res.SyncLots[0].Descriptions[0].Damages != "<p>scratched left door</p>" {
		t.Fatalf("unexpected damages text: %q", res.SyncLots[0].Descriptions[0].Damages)
	}
}

func TestSubmit_SyncTranslationFailureFallsBack(t *testing.T) {
	client := &fakeClient{
		responses:    []string{"dented hood", ""},
		responseErrs: []error{nil, errors.New("provider blip")},
	}
	svc := service.NewJobService(&fakeStore{}, client, testSettings())

	req := validRequest(1)
	req.Languages = []string{"en", "de"}

	res, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	de := res.SyncLots[0].Descriptions[1]
	if de.Language != "de" || de.Damages != "<p>dented hood</p>" {
		t.Fatalf("expected base-language fallback, got %#v", de)
	}
}

func TestSubmit_AsyncPath_AcceptsAndSubmitsBatch(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{batchID: "batch_123"}
	svc := service.NewJobService(store, client, testSettings())

	res, err := svc.Submit(context.Background(), validRequest(3))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Sync {
		t.Fatalf("expected async result")
	}
	if res.Status != entity.StatusProcessing {
		t.Fatalf("expected processing, got %s", res.Status)
	}
	if store.created == nil || store.created.TotalLots != 3 {
		t.Fatalf("job not persisted correctly: %#v", store.created)
	}
	if store.batchID != "batch_123" {
		t.Fatalf("batch handle not recorded: %q", store.batchID)
	}
	if len(client.submitted) != 1 || len(client.submitted[0]) != 3 {
		t.Fatalf("expected one batch with 3 requests")
	}
	for _, breq := range client.submitted[0] {
		if !strings.HasPrefix(breq.CustomID, "vision:"+store.created.ID.String()+":") {
			t.Fatalf("unexpected correlation key %q", breq.CustomID)
		}
	}
}

func TestSubmit_ProviderRejectionFailsJob(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{submitErr: errors.New("quota exceeded")}
	svc := service.NewJobService(store, client, testSettings())

	_, err := svc.Submit(context.Background(), validRequest(2))
	if err == nil {
		t.Fatalf("expected submission error")
	}
	if len(store.transitions) != 1 || store.transitions[0] != "pending->failed" {
		t.Fatalf("expected pending->failed, got %v", store.transitions)
	}
	var subErr *service.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %T", err)
	}
	if subErr.JobID != store.created.ID {
		t.Fatalf("error must carry the persisted job id, got %s want %s", subErr.JobID, store.created.ID)
	}
}

func TestResults_NotReadyWhileRunning(t *testing.T) {
	store := &fakeStore{job: &entity.Job{ID: uuid.New(), Status: entity.StatusProcessing}}
	svc := service.NewJobService(store, &fakeClient{}, testSettings())

	_, err := svc.Results(context.Background(), store.job.ID)
	if !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	store := &fakeStore{job: &entity.Job{ID: uuid.New(), Status: entity.StatusCompleted}}
	svc := service.NewJobService(store, &fakeClient{}, testSettings())

	_, err := svc.Cancel(context.Background(), store.job.ID)
	if !errors.Is(err, service.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if store.cancelled {
		t.Fatalf("terminal job must not reach the store cancel")
	}
}

func TestCancel_BestEffortProviderCancel(t *testing.T) {
	job := &entity.Job{
		ID:            uuid.New(),
		Status:        entity.StatusProcessing,
		VisionBatchID: "batch_v1",
	}
	store := &fakeStore{job: job, cancelOK: true}
	client := &fakeClient{}
	svc := service.NewJobService(store, client, testSettings())

	if _, err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(client.cancelledIDs) != 1 || client.cancelledIDs[0] != "batch_v1" {
		t.Fatalf("expected provider cancel of batch_v1, got %v", client.cancelledIDs)
	}
	if !store.cancelled {
		t.Fatalf("expected store cancel")
	}
}
