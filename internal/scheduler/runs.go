package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/powercast/internal/database"
	"github.com/aristath/powercast/internal/pipeline"
)

// RunRecord is one persisted job run.
type RunRecord struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	TargetDate  string     `json:"target_date"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	FailedStage string     `json:"failed_stage,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// RunHistory persists job runs in the index database so operators can see
// past cycles across restarts. The in-memory job registry itself does not
// survive restarts.
type RunHistory struct {
	db *database.DB
}

// NewRunHistory creates a run history over the index database.
func NewRunHistory(db *database.DB) *RunHistory {
	return &RunHistory{db: db}
}

const runColumns = "job_id, job_type, target_date, status, started_at, finished_at, failed_stage, detail"

// Record persists the outcome of one job run.
func (h *RunHistory) Record(job Job, targetDate time.Time, result *pipeline.Result, runErr error) error {
	status := string(job.Status)
	var failedStage, detail string
	if result != nil {
		failedStage = result.FailedStage
		detail = string(result.Status)
	}
	if runErr != nil {
		detail = runErr.Error()
	}

	now := time.Now()
	return database.WithTransaction(h.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO job_runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			job.Type,
			targetDate.Format("2006-01-02"),
			status,
			job.CreationTime.Unix(),
			now.Unix(),
			failedStage,
			detail,
		)
		return err
	})
}

// Latest returns the most recent run, or nil when none exist.
func (h *RunHistory) Latest() (*RunRecord, error) {
	records, err := h.List(1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// List returns up to limit runs, newest first.
func (h *RunHistory) List(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`
		SELECT `+runColumns+`
		FROM job_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			startedAt  int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.JobID, &rec.JobType, &rec.TargetDate, &rec.Status,
			&startedAt, &finishedAt, &rec.FailedStage, &rec.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		rec.StartedAt = time.Unix(startedAt, 0)
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0)
			rec.FinishedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
