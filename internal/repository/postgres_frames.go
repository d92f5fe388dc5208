package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-lis/internal/domain"
)

// PostgresFrameRepository 原始帧日志与水位
type PostgresFrameRepository struct {
	db *sql.DB
}

// NewPostgresFrameRepository 创建原始帧 Repository
func NewPostgresFrameRepository(db *sql.DB) *PostgresFrameRepository {
	return &PostgresFrameRepository{db: db}
}

var _ FrameRepository = (*PostgresFrameRepository)(nil)

// AppendFrame 写入原始帧
func (r *PostgresFrameRepository) AppendFrame(ctx context.Context, frame domain.RawFrame) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_raw_frames (analyzer_id, sequence, session_id, received_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (analyzer_id, sequence) DO NOTHING
	`, frame.AnalyzerID, frame.Sequence, frame.SessionID, frame.ReceivedAt, frame.Data)
	if err != nil {
		return fmt.Errorf("failed to append frame %s/%d: %w", frame.AnalyzerID, frame.Sequence, err)
	}
	return nil
}

// LastSequence 已写入的最大序号
func (r *PostgresFrameRepository) LastSequence(ctx context.Context, analyzerID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM lab_raw_frames WHERE analyzer_id = $1`,
		analyzerID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last sequence: %w", err)
	}
	return seq, nil
}

// ListFramesAfter 水位之后的帧
func (r *PostgresFrameRepository) ListFramesAfter(ctx context.Context, analyzerID string, after int64, limit int) ([]domain.RawFrame, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT analyzer_id, sequence, session_id, received_at, data
		FROM lab_raw_frames
		WHERE analyzer_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, analyzerID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var out []domain.RawFrame
	for rows.Next() {
		var f domain.RawFrame
		if err := rows.Scan(&f.AnalyzerID, &f.Sequence, &f.SessionID, &f.ReceivedAt, &f.Data); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetWatermark 读取水位
func (r *PostgresFrameRepository) GetWatermark(ctx context.Context, analyzerID string) (*domain.Watermark, error) {
	var wm domain.Watermark
	err := r.db.QueryRowContext(ctx,
		`SELECT analyzer_id, sequence, remainder, updated_at FROM lab_watermarks WHERE analyzer_id = $1`,
		analyzerID,
	).Scan(&wm.AnalyzerID, &wm.Sequence, &wm.Remainder, &wm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("watermark %s: %w", analyzerID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	return &wm, nil
}

// SaveWatermark 水位只前进不后退
func (r *PostgresFrameRepository) SaveWatermark(ctx context.Context, wm domain.Watermark) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_watermarks (analyzer_id, sequence, remainder, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (analyzer_id) DO UPDATE
		SET sequence = EXCLUDED.sequence, remainder = EXCLUDED.remainder, updated_at = EXCLUDED.updated_at
		WHERE lab_watermarks.sequence <= EXCLUDED.sequence
	`, wm.AnalyzerID, wm.Sequence, wm.Remainder, wm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}
