package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `
id, status, languages, webhook_url, total_lots, processed_lots, failed_lots,
vision_batch_id, translation_batch_id, error_message, created_at, updated_at`

// CreateJobWithLots persists the job and all of its lots in one
// transaction. total_lots is fixed here and never changes afterwards.
func (r *JobRepository) CreateJobWithLots(ctx context.Context, job *entity.Job, lots []entity.Lot) error {
	languages, err := json.Marshal(job.Languages)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertJob = `
INSERT INTO jobs (id, status, languages, webhook_url, total_lots)
VALUES ($1, $2, $3, NULLIF($4, ''), $5);
`
	if _, err := tx.Exec(ctx, insertJob,
		job.ID, string(job.Status), languages, job.WebhookURL, job.TotalLots,
	); err != nil {
		return err
	}

	const insertLot = `
INSERT INTO lots (id, job_id, lot_id, additional_info, image_urls, status)
VALUES ($1, $2, $3, $4, $5, $6);
`
	for i := range lots {
		urls, err := json.Marshal(lots[i].ImageURLs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertLot,
			lots[i].ID, job.ID, lots[i].LotID, lots[i].AdditionalInfo, urls, string(lots[i].Status),
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListActive returns jobs the monitor must drive: processing and
// translating jobs to poll, plus pending jobs old enough that the admission
// call which created them cannot still be in flight (a crash between
// persisting the job and submitting its vision batch strands it in
// pending). The grace period keeps the monitor from racing a live
// admission. Cancelled and otherwise terminal jobs are excluded, so the
// monitor issues no further provider calls for them.
func (r *JobRepository) ListActive(ctx context.Context) ([]entity.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status IN ('processing', 'translating')
   OR (status = 'pending' AND updated_at < now() - interval '2 minutes')
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUnfinalized finds terminal jobs whose completion side effects are
// missing: a completed job without its result snapshot, or a job with a
// callback URL but no delivery record. This only happens when the process
// died between the terminal status write and finalization; the monitor
// re-runs Finalize for them.
func (r *JobRepository) ListUnfinalized(ctx context.Context, limit int) ([]entity.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM jobs j
WHERE j.status IN ('completed', 'failed', 'cancelled')
  AND (
    (j.status = 'completed' AND NOT EXISTS (
      SELECT 1 FROM job_results r WHERE r.job_id = j.id))
    OR
    (j.webhook_url IS NOT NULL AND NOT EXISTS (
      SELECT 1 FROM webhook_deliveries d WHERE d.job_id = j.id))
  )
ORDER BY j.updated_at
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *JobRepository) ListJobs(ctx context.Context, status string, limit, offset int) ([]entity.Job, int, error) {
	const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;
`
	rows, err := r.pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	const count = `SELECT count(*) FROM jobs WHERE ($1 = '' OR status = $1);`
	if err := r.pool.QueryRow(ctx, count, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// TransitionStatus performs a compare-and-swap status update. Returns false
// when the job was not in the expected source state, which makes monitor
// cycles safe to re-execute.
func (r *JobRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to entity.JobStatus, errMsg *string) (bool, error) {
	if !entity.CanTransition(from, to) {
		return false, errors.New("illegal transition " + string(from) + " -> " + string(to))
	}
	const q = `
UPDATE jobs
SET status = $3, error_message = COALESCE($4, error_message), updated_at = now()
WHERE id = $1 AND status = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, string(from), string(to), errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel moves the job to cancelled from any cancellable state. Returns
// false when the job was already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	const q = `
UPDATE jobs
SET status = 'cancelled', error_message = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing', 'translating');
`
	tag, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) SetVisionBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error) {
	return r.setBatchID(ctx, id, "vision_batch_id", batchID)
}

func (r *JobRepository) SetTranslationBatchID(ctx context.Context, id uuid.UUID, batchID string) (bool, error) {
	return r.setBatchID(ctx, id, "translation_batch_id", batchID)
}

// setBatchID records a provider batch handle at most once per phase.
// Returns false when a handle is already present, so a racing duplicate
// submission can tell it lost and cancel its batch.
func (r *JobRepository) setBatchID(ctx context.Context, id uuid.UUID, column, batchID string) (bool, error) {
	q := `UPDATE jobs SET ` + column + ` = $2, updated_at = now() WHERE id = $1 AND ` + column + ` IS NULL;`
	tag, err := r.pool.Exec(ctx, q, id, batchID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) LotsByJob(ctx context.Context, jobID uuid.UUID) ([]entity.Lot, error) {
	const q = `
SELECT id, job_id, lot_id, additional_info, image_urls, status,
       vision_result, translations, missing_images, error_message,
       created_at, updated_at
FROM lots
WHERE job_id = $1
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []entity.Lot
	for rows.Next() {
		var (
			lot          entity.Lot
			statusText   string
			urlsBytes    []byte
			trBytes      []byte
			missingBytes []byte
		)
		if err := rows.Scan(
			&lot.ID, &lot.JobID, &lot.LotID, &lot.AdditionalInfo, &urlsBytes, &statusText,
			&lot.VisionResult, &trBytes, &missingBytes, &lot.Error,
			&lot.CreatedAt, &lot.UpdatedAt,
		); err != nil {
			return nil, err
		}
		lot.Status = entity.LotStatus(statusText)
		if err := json.Unmarshal(urlsBytes, &lot.ImageURLs); err != nil {
			return nil, err
		}
		if trBytes != nil {
			if err := json.Unmarshal(trBytes, &lot.Translations); err != nil {
				return nil, err
			}
		}
		if missingBytes != nil {
			if err := json.Unmarshal(missingBytes, &lot.MissingImages); err != nil {
				return nil, err
			}
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ResolveLotVision writes the vision result at most once and bumps the
// job's processed counter in the same transaction. Returns false when the
// lot was already settled, so re-consuming a batch output is a no-op.
func (r *JobRepository) ResolveLotVision(ctx context.Context, jobID, lotID uuid.UUID, text string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE lots
SET vision_result = $3, status = 'processed', updated_at = now()
WHERE id = $1 AND job_id = $2 AND status = 'pending' AND vision_result IS NULL;
`
	tag, err := tx.Exec(ctx, q, lotID, jobID, text)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const bump = `UPDATE jobs SET processed_lots = processed_lots + 1, updated_at = now() WHERE id = $1;`
	if _, err := tx.Exec(ctx, bump, jobID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// FailLot marks a pending lot as failed (soft failure) and bumps the job's
// failed counter transactionally. Already-settled lots are left untouched.
func (r *JobRepository) FailLot(ctx context.Context, jobID, lotID uuid.UUID, reason string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE lots
SET status = 'failed', error_message = $3, updated_at = now()
WHERE id = $1 AND job_id = $2 AND status = 'pending';
`
	tag, err := tx.Exec(ctx, q, lotID, jobID, reason)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const bump = `UPDATE jobs SET failed_lots = failed_lots + 1, updated_at = now() WHERE id = $1;`
	if _, err := tx.Exec(ctx, bump, jobID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// SetLotTranslation merges one language entry into the lot's translation
// map. Re-applying the same entry is harmless.
func (r *JobRepository) SetLotTranslation(ctx context.Context, lotID uuid.UUID, lang, text string) error {
	const q = `
UPDATE lots
SET translations = COALESCE(translations, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
    updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, lotID, lang, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateResultSnapshot writes the immutable final payload. The unique
// job_id constraint makes repeated finalization a no-op.
func (r *JobRepository) CreateResultSnapshot(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	const q = `
INSERT INTO job_results (id, job_id, payload, file_size)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, q, uuid.New(), jobID, payload, len(payload))
	return err
}

func (r *JobRepository) GetResultSnapshot(ctx context.Context, jobID uuid.UUID) (*entity.ResultSnapshot, error) {
	const q = `
SELECT id, job_id, payload, file_size, created_at
FROM job_results
WHERE job_id = $1;
`
	var snap entity.ResultSnapshot
	err := r.pool.QueryRow(ctx, q, jobID).Scan(
		&snap.ID, &snap.JobID, &snap.Payload, &snap.FileSize, &snap.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job         entity.Job
		statusText  string
		langBytes   []byte
		webhookURL  *string
		visionBatch *string
		trBatch     *string
		errText     *string
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(
		&job.ID, &statusText, &langBytes, &webhookURL,
		&job.TotalLots, &job.ProcessedLots, &job.FailedLots,
		&visionBatch, &trBatch, &errText, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	if err := json.Unmarshal(langBytes, &job.Languages); err != nil {
		return nil, err
	}
	if webhookURL != nil {
		job.WebhookURL = *webhookURL
	}
	if visionBatch != nil {
		job.VisionBatchID = *visionBatch
	}
	if trBatch != nil {
		job.TranslationBatchID = *trBatch
	}
	job.Error = errText
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]entity.Job, error) {
	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
