package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/repository/postgresql"
	"generation-service/internal/service"
	"generation-service/internal/signature"
)

// DeliveryReader is the read-only view of webhook deliveries the API
// exposes (implementation: postgresql.WebhookRepository).
type DeliveryReader interface {
	GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.WebhookDelivery, error)
}

type Handler struct {
	jobSvc     *service.JobService
	deliveries DeliveryReader
	signer     *signature.Signer

	maxBodyBytes       int64
	allowUnsignedReads bool
}

func NewHandler(jobSvc *service.JobService, deliveries DeliveryReader, signer *signature.Signer, maxBodyBytes int64, allowUnsignedReads bool) *Handler {
	return &Handler{
		jobSvc:             jobSvc,
		deliveries:         deliveries,
		signer:             signer,
		maxBodyBytes:       maxBodyBytes,
		allowUnsignedReads: allowUnsignedReads,
	}
}

type imageDTO struct {
	URL string `json:"url"`
}

type lotDTO struct {
	LotID          string     `json:"lot_id"`
	AdditionalInfo string     `json:"additional_info,omitempty"`
	Images         []imageDTO `json:"images"`
	Webhook        string     `json:"webhook,omitempty"`
}

type submissionDTO struct {
	Version   string          `json:"version"`
	Signature string          `json:"signature"`
	Languages []string        `json:"languages"`
	Lots      json.RawMessage `json:"lots"`
}

type acceptedResp struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// rejectedResp is the 502 body for a submission the provider refused: the
// job is persisted as failed and stays queryable by id.
type rejectedResp struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type syncResp struct {
	Version string                  `json:"version"`
	Lots    []service.SyncLotResult `json:"lots"`
}

type statusResp struct {
	JobID              string       `json:"job_id"`
	Status             string       `json:"status"`
	Progress           progressResp `json:"progress"`
	Languages          []string     `json:"languages"`
	VisionBatchID      string       `json:"vision_batch_id,omitempty"`
	TranslationBatchID string       `json:"translation_batch_id,omitempty"`
	ErrorMessage       *string      `json:"error_message,omitempty"`
	CreatedAt          string       `json:"created_at"`
	UpdatedAt          string       `json:"updated_at"`
}

type progressResp struct {
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
}

type listResp struct {
	Jobs   []statusResp `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// GenerateDescriptions godoc
// @Summary Submit lots for description generation
// @Description Verifies the HMAC signature over the lots array, then either answers inline (single small lot) or accepts an asynchronous batch job.
// @Tags generation
// @Accept json
// @Produce json
// @Param request body submissionDTO true "signed submission"
// @Success 200 {object} syncResp
// @Success 201 {object} acceptedResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 403 {object} apiError
// @Failure 502 {object} rejectedResp "provider rejected the batch; job persisted as failed"
// @Router /generate-descriptions [post]
func (h *Handler) GenerateDescriptions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	var dto submissionDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	// authentication runs before schema or business validation: an absent
	// or empty signature is an auth failure, not a malformed request
	if dto.Signature == "" {
		writeErr(w, http.StatusUnauthorized, "missing signature")
		return
	}

	if err := submissionValidator.Validate(raw); err != nil {
		writeErr(w, http.StatusBadRequest, "schema: "+err.Error())
		return
	}

	if !h.signer.VerifyLots(dto.Signature, dto.Lots) {
		writeErr(w, http.StatusForbidden, "signature mismatch")
		return
	}

	var lots []lotDTO
	if err := json.Unmarshal(dto.Lots, &lots); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid lots")
		return
	}

	req := service.SubmitRequest{Version: dto.Version, Languages: dto.Languages}
	for _, l := range lots {
		urls := make([]string, len(l.Images))
		for i, img := range l.Images {
			urls[i] = img.URL
		}
		req.Lots = append(req.Lots, service.SubmitLot{
			LotID:          l.LotID,
			AdditionalInfo: l.AdditionalInfo,
			ImageURLs:      urls,
			Webhook:        l.Webhook,
		})
	}

	res, err := h.jobSvc.Submit(r.Context(), req)
	if err != nil {
		var subErr *service.SubmissionError
		switch {
		case errors.Is(err, service.ErrValidation):
			writeErr(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &subErr):
			writeJSON(w, http.StatusBadGateway, rejectedResp{
				JobID:   subErr.JobID.String(),
				Status:  string(entity.StatusFailed),
				Message: subErr.Error(),
			})
		default:
			writeErr(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	if res.Sync {
		writeJSON(w, http.StatusOK, syncResp{Version: dto.Version, Lots: res.SyncLots})
		return
	}
	writeJSON(w, http.StatusCreated, acceptedResp{JobID: res.JobID.String(), Status: "accepted"})
}

// BatchStatus godoc
// @Summary Get job status and progress
// @Tags generation
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param X-Signature header string false "hex HMAC-SHA256 of the job id"
// @Success 200 {object} statusResp
// @Failure 401 {object} apiError
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Router /batch-status/{id} [get]
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if !h.authorizeRead(w, r, id.String()) {
		return
	}

	job, err := h.jobSvc.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToStatusResp(job))
}

// BatchResults godoc
// @Summary Get final results of a completed job
// @Tags generation
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param X-Signature header string false "hex HMAC-SHA256 of the job id"
// @Success 200 {object} map[string]interface{}
// @Success 202 {object} apiError "job still running"
// @Failure 404 {object} apiError
// @Router /batch-results/{id} [get]
func (h *Handler) BatchResults(w http.ResponseWriter, r *http.Request) {
	h.serveResults(w, r, false)
}

// DownloadResults godoc
// @Summary Download final results as an attachment
// @Tags generation
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} apiError
// @Router /batch-results/{id}/download [get]
func (h *Handler) DownloadResults(w http.ResponseWriter, r *http.Request) {
	h.serveResults(w, r, true)
}

func (h *Handler) serveResults(w http.ResponseWriter, r *http.Request, attachment bool) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if !h.authorizeRead(w, r, id.String()) {
		return
	}

	snap, err := h.jobSvc.Results(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotReady) {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":  "in_progress",
				"message": err.Error(),
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if attachment {
		w.Header().Set("Content-Disposition", `attachment; filename="results-`+id.String()+`.json"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Payload)
}

// CancelJob godoc
// @Summary Cancel an active job
// @Tags generation
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param X-Signature header string false "hex HMAC-SHA256 of the job id"
// @Success 200 {object} statusResp
// @Failure 400 {object} apiError "job already terminal"
// @Failure 404 {object} apiError
// @Router /batch-jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if !h.authorizeRead(w, r, id.String()) {
		return
	}

	job, err := h.jobSvc.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotCancellable) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToStatusResp(job))
}

// ListJobs godoc
// @Summary List jobs
// @Tags generation
// @Produce json
// @Param status query string false "filter by status"
// @Param limit query int false "page size (default 20, max 100)"
// @Param offset query int false "page offset"
// @Success 200 {object} listResp
// @Router /batch-jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeRead(w, r, "") {
		return
	}

	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 20)
	offset := intParam(q.Get("offset"), 0)

	jobs, total, err := h.jobSvc.List(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := listResp{Total: total, Limit: limit, Offset: offset, Jobs: []statusResp{}}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToStatusResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// WebhookDelivery godoc
// @Summary Inspect the webhook delivery record for a job
// @Tags generation
// @Produce json
// @Param job_id path string true "job id (uuid)"
// @Success 200 {object} entity.WebhookDelivery
// @Failure 404 {object} apiError
// @Router /webhook-deliveries/{job_id} [get]
func (h *Handler) WebhookDelivery(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "job_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if !h.authorizeRead(w, r, id.String()) {
		return
	}

	delivery, err := h.deliveries.GetByJob(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

// authorizeRead checks the read-path signature: HMAC over the literal job
// id (or the empty string for listings). Missing signatures pass only when
// the unsigned-reads escape hatch is configured.
func (h *Handler) authorizeRead(w http.ResponseWriter, r *http.Request, payload string) bool {
	sig := r.Header.Get("X-Signature")
	if sig == "" {
		if h.allowUnsignedReads {
			return true
		}
		writeErr(w, http.StatusUnauthorized, "missing signature")
		return false
	}
	if !h.signer.Verify(sig, []byte(payload)) {
		writeErr(w, http.StatusForbidden, "signature mismatch")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgresql.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrValidation):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func jobToStatusResp(j *entity.Job) statusResp {
	settled := j.ProcessedLots + j.FailedLots
	pct := 0.0
	if j.TotalLots > 0 {
		pct = float64(settled) / float64(j.TotalLots) * 100
	}
	return statusResp{
		JobID:  j.ID.String(),
		Status: string(j.Status),
		Progress: progressResp{
			Total:      j.TotalLots,
			Processed:  j.ProcessedLots,
			Failed:     j.FailedLots,
			Percentage: pct,
		},
		Languages:          j.Languages,
		VisionBatchID:      j.VisionBatchID,
		TranslationBatchID: j.TranslationBatchID,
		ErrorMessage:       j.Error,
		CreatedAt:          j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          j.UpdatedAt.Format(time.RFC3339),
	}
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
