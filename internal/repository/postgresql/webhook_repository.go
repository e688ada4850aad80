package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-service/internal/entity"
)

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// Create inserts the delivery record for a job's terminal event. The unique
// job_id constraint enforces at-most-one record per job: a re-entrant
// monitor cycle finding an existing record gets created=false.
func (r *WebhookRepository) Create(ctx context.Context, d *entity.WebhookDelivery) (bool, error) {
	const q = `
INSERT INTO webhook_deliveries (id, job_id, webhook_url, payload, signature, status, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, 'pending', now())
ON CONFLICT (job_id) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, q, d.ID, d.JobID, d.WebhookURL, d.Payload, d.Signature)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const deliveryColumns = `
id, job_id, webhook_url, payload, signature, status, attempt_count,
last_attempt_at, next_attempt_at, response_status, response_body,
error_message, created_at, delivered_at`

func (r *WebhookRepository) Get(ctx context.Context, id uuid.UUID) (*entity.WebhookDelivery, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1;`, id)
	return scanDelivery(row)
}

func (r *WebhookRepository) GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.WebhookDelivery, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE job_id = $1;`, jobID)
	return scanDelivery(row)
}

// ListDue returns ids of deliveries ready for their next attempt.
func (r *WebhookRepository) ListDue(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	const q = `
SELECT id
FROM webhook_deliveries
WHERE status = 'pending' AND attempt_count < $1 AND next_attempt_at <= now()
ORDER BY next_attempt_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim takes a short lease on a due delivery by pushing next_attempt_at
// forward, so exactly one attempt is in flight per record even if the same
// id was enqueued twice. Returns nil when the record is not currently due.
func (r *WebhookRepository) Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (*entity.WebhookDelivery, error) {
	const q = `
UPDATE webhook_deliveries
SET next_attempt_at = now() + $2
WHERE id = $1 AND status = 'pending' AND next_attempt_at <= now()
RETURNING ` + deliveryColumns + `;
`
	row := r.pool.QueryRow(ctx, q, id, lease)
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// RecordSuccess finalizes the record as delivered.
func (r *WebhookRepository) RecordSuccess(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	const q = `
UPDATE webhook_deliveries
SET status = 'delivered',
    attempt_count = attempt_count + 1,
    last_attempt_at = now(),
    next_attempt_at = NULL,
    response_status = $2,
    response_body = $3,
    delivered_at = now()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, q, id, responseStatus, truncateText(responseBody, 1000))
	return err
}

// RecordFailure counts a failed attempt. A non-nil nextAttempt schedules a
// retry; nil makes the failure terminal.
func (r *WebhookRepository) RecordFailure(ctx context.Context, id uuid.UUID, responseStatus *int, responseBody, errMsg string, nextAttempt *time.Time) error {
	const q = `
UPDATE webhook_deliveries
SET status = CASE WHEN $5::timestamptz IS NULL THEN 'failed' ELSE 'pending' END,
    attempt_count = attempt_count + 1,
    last_attempt_at = now(),
    next_attempt_at = $5,
    response_status = $2,
    response_body = $3,
    error_message = $4
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, q, id, responseStatus, truncateText(responseBody, 1000), truncateText(errMsg, 500), nextAttempt)
	return err
}

func scanDelivery(row rowScanner) (*entity.WebhookDelivery, error) {
	var (
		d          entity.WebhookDelivery
		statusText string
	)
	if err := row.Scan(
		&d.ID, &d.JobID, &d.WebhookURL, &d.Payload, &d.Signature, &statusText,
		&d.AttemptCount, &d.LastAttemptAt, &d.NextAttemptAt,
		&d.ResponseStatus, &d.ResponseBody, &d.Error, &d.CreatedAt, &d.DeliveredAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = entity.DeliveryStatus(statusText)
	return &d, nil
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
