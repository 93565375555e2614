package campaign

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"messaging-platform/pkg/utils"
)

// JobQueue is the persistence contract for campaign send jobs.

type JobQueue interface {
	Enqueue(ctx context.Context, job SendJob) error

	// EnqueueAll atomically enqueues a dispatched campaign's jobs: all or none.
	EnqueueAll(ctx context.Context, jobs []SendJob) error

	// NextPending returns the oldest pending job for the campaign whose
	// not_before has passed. ErrNoJob when the queue is drained.
	NextPending(ctx context.Context, campaignID string, now time.Time) (SendJob, error)

	MarkSent(ctx context.Context, jobID, provider string) error
	MarkFailed(ctx context.Context, jobID, reason string) error

	// Requeue puts a job back as pending with retry bookkeeping.
	Requeue(ctx context.Context, jobID string, notBefore time.Time, reason string) error

	// DueCampaigns lists campaigns holding at least one pending job whose
	// not_before has passed. The scheduler's sweep drains these, which is
	// what picks a backed-off job up again.
	DueCampaigns(ctx context.Context, now time.Time) ([]RunRef, error)
}

// PostgresQueue implements JobQueue over database/sql.
//
// NOTE: assumes a send_jobs table keyed by id with the SendJob columns.
// NextPending does not claim the row; the per-campaign runner guard guarantees
// a single consumer per campaign, and MarkSent/MarkFailed guard on
// status = 'pending' so a duplicate consumer cannot double-finalize.

type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue { return &PostgresQueue{db: db} }

func (q *PostgresQueue) Enqueue(ctx context.Context, job SendJob) error {
	const stmt = `
INSERT INTO send_jobs (id, campaign_id, workspace_id, session_id, contact, body, speed_tier, status, provider, not_before, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := q.db.ExecContext(ctx, stmt,
		job.ID, job.CampaignID, job.WorkspaceID, job.SessionID, job.Contact, job.Body,
		job.SpeedTier, job.Status, nullable(job.Provider), job.NotBefore,
		job.Attempts, nullable(job.LastError), job.CreatedAt, job.UpdatedAt)
	return err
}

func (q *PostgresQueue) EnqueueAll(ctx context.Context, jobs []SendJob) error {
	const stmt = `
INSERT INTO send_jobs (id, campaign_id, workspace_id, session_id, contact, body, speed_tier, status, provider, not_before, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	return utils.WithTx(ctx, q.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, job := range jobs {
			_, err := tx.ExecContext(ctx, stmt,
				job.ID, job.CampaignID, job.WorkspaceID, job.SessionID, job.Contact, job.Body,
				job.SpeedTier, job.Status, nullable(job.Provider), job.NotBefore,
				job.Attempts, nullable(job.LastError), job.CreatedAt, job.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *PostgresQueue) NextPending(ctx context.Context, campaignID string, now time.Time) (SendJob, error) {
	const stmt = `
SELECT id, campaign_id, workspace_id, session_id, contact, body, speed_tier, status, provider, not_before, attempts, last_error, created_at, updated_at
FROM send_jobs
WHERE campaign_id = $1 AND status = 'pending' AND not_before <= $2
ORDER BY not_before
LIMIT 1
`
	var job SendJob
	var provider, lastErr sql.NullString
	err := q.db.QueryRowContext(ctx, stmt, campaignID, now).Scan(
		&job.ID, &job.CampaignID, &job.WorkspaceID, &job.SessionID, &job.Contact, &job.Body,
		&job.SpeedTier, &job.Status, &provider, &job.NotBefore,
		&job.Attempts, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SendJob{}, ErrNoJob
	}
	if err != nil {
		return SendJob{}, err
	}
	job.Provider = provider.String
	job.LastError = lastErr.String
	return job, nil
}

func (q *PostgresQueue) DueCampaigns(ctx context.Context, now time.Time) ([]RunRef, error) {
	const stmt = `
SELECT DISTINCT campaign_id, workspace_id, session_id, speed_tier
FROM send_jobs
WHERE status = 'pending' AND not_before <= $1
ORDER BY campaign_id
`
	rows, err := q.db.QueryContext(ctx, stmt, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []RunRef
	for rows.Next() {
		var ref RunRef
		if err := rows.Scan(&ref.CampaignID, &ref.WorkspaceID, &ref.SessionID, &ref.SpeedTier); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (q *PostgresQueue) MarkSent(ctx context.Context, jobID, provider string) error {
	const stmt = `
UPDATE send_jobs SET status = 'sent', provider = $2, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1 AND status = 'pending'
`
	_, err := q.db.ExecContext(ctx, stmt, jobID, provider)
	return err
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, jobID, reason string) error {
	const stmt = `
UPDATE send_jobs SET status = 'failed', last_error = $2, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1 AND status = 'pending'
`
	_, err := q.db.ExecContext(ctx, stmt, jobID, reason)
	return err
}

func (q *PostgresQueue) Requeue(ctx context.Context, jobID string, notBefore time.Time, reason string) error {
	const stmt = `
UPDATE send_jobs SET not_before = $2, last_error = $3, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1 AND status = 'pending'
`
	_, err := q.db.ExecContext(ctx, stmt, jobID, notBefore, reason)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryQueue is an in-memory JobQueue useful for tests.

type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]SendJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]SendJob)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job SendJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		return ErrInvalidArgument
	}
	q.jobs[job.ID] = job
	return nil
}

func (q *MemoryQueue) EnqueueAll(ctx context.Context, jobs []SendJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		if job.ID == "" {
			return ErrInvalidArgument
		}
	}
	for _, job := range jobs {
		q.jobs[job.ID] = job
	}
	return nil
}

func (q *MemoryQueue) NextPending(ctx context.Context, campaignID string, now time.Time) (SendJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var candidates []SendJob
	for _, j := range q.jobs {
		if j.CampaignID == campaignID && j.Status == JobPending && !j.NotBefore.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return SendJob{}, ErrNoJob
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].NotBefore.Before(candidates[k].NotBefore)
	})
	return candidates[0], nil
}

func (q *MemoryQueue) DueCampaigns(ctx context.Context, now time.Time) ([]RunRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var refs []RunRef
	for _, j := range q.jobs {
		if j.Status != JobPending || j.NotBefore.After(now) || seen[j.CampaignID] {
			continue
		}
		seen[j.CampaignID] = true
		refs = append(refs, RunRef{
			CampaignID:  j.CampaignID,
			WorkspaceID: j.WorkspaceID,
			SessionID:   j.SessionID,
			SpeedTier:   j.SpeedTier,
		})
	}
	sort.Slice(refs, func(i, k int) bool { return refs[i].CampaignID < refs[k].CampaignID })
	return refs, nil
}

func (q *MemoryQueue) MarkSent(ctx context.Context, jobID, provider string) error {
	return q.update(jobID, func(j *SendJob) {
		j.Status = JobSent
		j.Provider = provider
		j.Attempts++
	})
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, jobID, reason string) error {
	return q.update(jobID, func(j *SendJob) {
		j.Status = JobFailed
		j.LastError = reason
		j.Attempts++
	})
}

func (q *MemoryQueue) Requeue(ctx context.Context, jobID string, notBefore time.Time, reason string) error {
	return q.update(jobID, func(j *SendJob) {
		j.NotBefore = notBefore
		j.LastError = reason
		j.Attempts++
	})
}

func (q *MemoryQueue) update(jobID string, fn func(*SendJob)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNoJob
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	q.jobs[jobID] = j
	return nil
}

// Job returns a job by id (test helper).
func (q *MemoryQueue) Job(jobID string) (SendJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	return j, ok
}
