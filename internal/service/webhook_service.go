package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/metrics"
)

const webhookUserAgent = "generation-service-webhook/1.0"

// WebhookStore is the delivery-record port of the dispatcher
// (implementation: postgresql.WebhookRepository).
type WebhookStore interface {
	Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (*entity.WebhookDelivery, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error
	RecordFailure(ctx context.Context, id uuid.UUID, responseStatus *int, responseBody, errMsg string, nextAttempt *time.Time) error
}

// WebhookService performs delivery attempts. One Attempt call handles one
// claimed record end to end; attempts for one record never overlap because
// Claim bumps next_attempt_at by the lease before the HTTP call starts.
type WebhookService struct {
	store WebhookStore
	http  *http.Client

	maxAttempts  int
	baseDelay    time.Duration
	timeout      time.Duration
	allowPrivate bool
}

func NewWebhookService(store WebhookStore, maxAttempts int, baseDelay, timeout time.Duration, allowPrivate bool) *WebhookService {
	return &WebhookService{
		store:        store,
		http:         &http.Client{Timeout: timeout},
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		timeout:      timeout,
		allowPrivate: allowPrivate,
	}
}

// Attempt claims the delivery and, when it is due, posts the stored payload
// bytes once. Not-due and already-settled records are skipped silently:
// the queue may hand us the same id more than once.
func (s *WebhookService) Attempt(ctx context.Context, id uuid.UUID) error {
	delivery, err := s.store.Claim(ctx, id, 2*s.timeout)
	if err != nil {
		return fmt.Errorf("claim delivery %s: %w", id, err)
	}
	if delivery == nil {
		return nil
	}

	attempt := delivery.AttemptCount + 1

	// The target may have started resolving to a private address since
	// admission; re-check before every attempt.
	if !s.allowPrivate {
		if err := ValidateWebhookURL(ctx, delivery.WebhookURL); err != nil {
			s.settleFailure(ctx, delivery, attempt, nil, "", "webhook url rejected: "+err.Error())
			return nil
		}
	}

	status, body, err := s.post(ctx, delivery, attempt)
	if err != nil {
		s.settleFailure(ctx, delivery, attempt, nil, "", err.Error())
		return nil
	}
	if status >= 200 && status < 300 {
		if err := s.store.RecordSuccess(ctx, delivery.ID, status, body); err != nil {
			return err
		}
		metrics.WebhookAttempts.WithLabelValues("delivered").Inc()
		log.Printf("[webhook] delivered job=%s attempt=%d status=%d", delivery.JobID, attempt, status)
		return nil
	}

	s.settleFailure(ctx, delivery, attempt, &status, body, fmt.Sprintf("unexpected status %d", status))
	return nil
}

func (s *WebhookService) post(ctx context.Context, d *entity.WebhookDelivery, attempt int) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", d.Signature)
	req.Header.Set("X-Attempt", strconv.Itoa(attempt))
	req.Header.Set("User-Agent", webhookUserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

// settleFailure records a failed attempt. Attempts below the cap get a
// next_attempt_at of baseDelay * 2^(attempt-1) from now; the final attempt
// freezes the record as terminally failed.
func (s *WebhookService) settleFailure(ctx context.Context, d *entity.WebhookDelivery, attempt int, status *int, body, reason string) {
	var next *time.Time
	if attempt < s.maxAttempts {
		at := time.Now().UTC().Add(s.baseDelay * (1 << (attempt - 1)))
		next = &at
	}
	if err := s.store.RecordFailure(ctx, d.ID, status, body, reason, next); err != nil {
		log.Printf("[webhook] record failure job=%s err=%v", d.JobID, err)
		return
	}
	if next == nil {
		metrics.WebhookAttempts.WithLabelValues("exhausted").Inc()
		log.Printf("[webhook] gave up job=%s attempts=%d reason=%s", d.JobID, attempt, reason)
		return
	}
	metrics.WebhookAttempts.WithLabelValues("retried").Inc()
	log.Printf("[webhook] attempt failed job=%s attempt=%d retry_at=%s reason=%s",
		d.JobID, attempt, next.Format(time.RFC3339), reason)
}
