package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/givance/outreach/internal/models"
)

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, message_id, campaign_id, organization_id, status,
	scheduled_time, actual_send_time, attempt_count, last_error, trigger_handle,
	created_at, updated_at`

// Create persists a new send job in status 'scheduled'.
func (r *JobRepository) Create(job *models.EmailSendJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.JobStatusScheduled
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO send_jobs (id, message_id, campaign_id, organization_id, status, scheduled_time, attempt_count, last_error, trigger_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.MessageID, job.CampaignID, job.OrganizationID, job.Status,
		job.ScheduledTime, job.AttemptCount, job.LastError, job.TriggerHandle,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateBatch persists several jobs in one transaction.
func (r *JobRepository) CreateBatch(jobs []*models.EmailSendJob) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO send_jobs (id, message_id, campaign_id, organization_id, status, scheduled_time, attempt_count, last_error, trigger_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		job.Status = models.JobStatusScheduled
		job.CreatedAt = now
		job.UpdatedAt = now

		_, err := stmt.Exec(job.ID, job.MessageID, job.CampaignID, job.OrganizationID,
			job.Status, job.ScheduledTime, job.AttemptCount, job.LastError,
			job.TriggerHandle, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID returns a job by ID, or nil when not found.
func (r *JobRepository) GetByID(id string) (*models.EmailSendJob, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM send_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByStatus returns all jobs for a campaign in the given status, ordered
// by scheduled time.
func (r *JobRepository) GetByStatus(campaignID, status string) ([]*models.EmailSendJob, error) {
	rows, err := r.db.Query(`
		SELECT `+jobColumns+` FROM send_jobs
		WHERE campaign_id = ? AND status = ?
		ORDER BY scheduled_time`, campaignID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByCampaign returns all jobs for a campaign ordered by scheduled time.
func (r *JobRepository) ListByCampaign(campaignID string) ([]*models.EmailSendJob, error) {
	rows, err := r.db.Query(`
		SELECT `+jobColumns+` FROM send_jobs
		WHERE campaign_id = ?
		ORDER BY scheduled_time`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListDueScheduled returns jobs across all campaigns still in status
// 'scheduled' whose scheduled time is at or before the cutoff, ordered by
// scheduled time. The recovery scan uses it to find jobs left behind by a
// crash between trigger registration and trigger fire.
func (r *JobRepository) ListDueScheduled(cutoff time.Time) ([]*models.EmailSendJob, error) {
	rows, err := r.db.Query(`
		SELECT `+jobColumns+` FROM send_jobs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time`, models.JobStatusScheduled, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// UpdateStatus unconditionally moves a job to status, recording the error
// text and stamping actual_send_time on completion.
func (r *JobRepository) UpdateStatus(id, status, lastError string) error {
	now := time.Now()
	var actualSendTime *time.Time
	if status == models.JobStatusCompleted {
		actualSendTime = &now
	}

	_, err := r.db.Exec(`
		UPDATE send_jobs
		SET status = ?, last_error = ?, actual_send_time = COALESCE(?, actual_send_time), updated_at = ?
		WHERE id = ?`,
		status, lastError, actualSendTime, now, id,
	)
	return err
}

// SetTriggerHandle records the trigger gateway handle for a job after its
// callback has been registered.
func (r *JobRepository) SetTriggerHandle(id, handle string) error {
	_, err := r.db.Exec(`
		UPDATE send_jobs SET trigger_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now(), id,
	)
	return err
}

// ClaimForRun transitions a job from an expected status to a new one and
// bumps the attempt counter. Returns false when the job was no longer in
// the expected status, which is how a duplicate trigger fire loses the race.
func (r *JobRepository) ClaimForRun(id, expectedStatus, newStatus string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE send_jobs
		SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		newStatus, time.Now(), id, expectedStatus,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByStatus returns per-status job counts for a campaign.
func (r *JobRepository) CountByStatus(campaignID string) (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM send_jobs
		WHERE campaign_id = ?
		GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.EmailSendJob, error) {
	job := &models.EmailSendJob{}
	var actualSendTime sql.NullTime

	err := row.Scan(&job.ID, &job.MessageID, &job.CampaignID, &job.OrganizationID,
		&job.Status, &job.ScheduledTime, &actualSendTime, &job.AttemptCount,
		&job.LastError, &job.TriggerHandle, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if actualSendTime.Valid {
		job.ActualSendTime = &actualSendTime.Time
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.EmailSendJob, error) {
	jobs := []*models.EmailSendJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
