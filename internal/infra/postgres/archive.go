package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"gazequiz/internal/domain"
)

// Archive stores accepted attempts with their attention metrics as JSONB.
type Archive struct {
	pool *pgxpool.Pool
}

func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Record inserts an attempt. Re-recording the same session and question
// index is ignored, so a retried acknowledgement cannot duplicate rows.
func (a *Archive) Record(ctx context.Context, attempt domain.ArchivedAttempt) error {
	metrics, err := json.Marshal(attempt.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO attention_attempts
			(session_id, chapter_slug, question_index, question_id, source, was_skipped,
			 is_correct, low_attention, attention_ratio, submitted_at, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, question_index) DO NOTHING`,
		attempt.SessionID, attempt.ChapterSlug, attempt.QuestionIndex, attempt.QuestionID,
		attempt.Source, attempt.WasSkipped, attempt.IsCorrect, attempt.LowAttention,
		attempt.Metrics.AttentionRatio, attempt.SubmittedAt, metrics)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (a *Archive) History(ctx context.Context, sessionID string) ([]domain.ArchivedAttempt, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT session_id, chapter_slug, question_index, question_id, source, was_skipped,
		       is_correct, low_attention, submitted_at, metrics
		FROM attention_attempts
		WHERE session_id = $1
		ORDER BY question_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchivedAttempt
	for rows.Next() {
		var (
			attempt domain.ArchivedAttempt
			raw     []byte
		)
		if err := rows.Scan(&attempt.SessionID, &attempt.ChapterSlug, &attempt.QuestionIndex,
			&attempt.QuestionID, &attempt.Source, &attempt.WasSkipped, &attempt.IsCorrect,
			&attempt.LowAttention, &attempt.SubmittedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal(raw, &attempt.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}
