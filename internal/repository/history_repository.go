package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/voicegen/internal/database"
	"github.com/digkill/voicegen/internal/models"
)

type HistoryRepository struct {
	db *database.DB
}

func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Append(ctx context.Context, rec *models.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const query = `
INSERT INTO generation_history (id, account_id, job_id, voice_id, text_length, credits_used, audio_url, billed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), rec.ID, rec.AccountID, rec.JobID, rec.VoiceID, rec.TextLength, rec.CreditsUsed, rec.AudioURL, boolToInt(rec.Billed), rec.CreatedAt); err != nil {
		return fmt.Errorf("insert generation history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) MarkBilled(ctx context.Context, jobID string) error {
	const query = `UPDATE generation_history SET billed = 1 WHERE job_id = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), jobID); err != nil {
		return fmt.Errorf("mark billed: %w", err)
	}
	return nil
}

const historyColumns = `id, account_id, job_id, voice_id, text_length, credits_used, audio_url, billed, created_at`

func (r *HistoryRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM generation_history WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, accountID, limit)
}

// ListUnbilled returns completed generations whose debit never landed. Rows
// the sweep already failed on come after the ones it has not tried yet, so a
// few rows that can never be billed do not starve newer ones.
func (r *HistoryRepository) ListUnbilled(ctx context.Context, limit int) ([]models.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM generation_history WHERE billed = 0 ORDER BY sweep_attempts ASC, created_at ASC LIMIT ?`
	return r.list(ctx, query, limit)
}

// MarkAttempted records a failed billing attempt for the job's row.
func (r *HistoryRepository) MarkAttempted(ctx context.Context, jobID string) error {
	const query = `UPDATE generation_history SET sweep_attempts = sweep_attempts + 1 WHERE job_id = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), jobID); err != nil {
		return fmt.Errorf("mark attempted: %w", err)
	}
	return nil
}

func (r *HistoryRepository) list(ctx context.Context, query string, args ...any) ([]models.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var h models.HistoryRecord
		var billed int
		if err := rows.Scan(&h.ID, &h.AccountID, &h.JobID, &h.VoiceID, &h.TextLength, &h.CreditsUsed, &h.AudioURL, &billed, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Billed = billed != 0
		out = append(out, h)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
