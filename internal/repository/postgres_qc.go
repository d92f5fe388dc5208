package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"wisefido-lis/internal/domain"
)

// PostgresQCRepository 质控测定 Repository 实现
type PostgresQCRepository struct {
	db *sql.DB
}

// NewPostgresQCRepository 创建质控 Repository
func NewPostgresQCRepository(db *sql.DB) *PostgresQCRepository {
	return &PostgresQCRepository{db: db}
}

var _ QCRepository = (*PostgresQCRepository)(nil)

const qcColumns = `run_id, analyzer_id, test_id, level, lot, value, run_at, n, mean, sd, cv, z_score,
	verdict, violations, warnings, COALESCE(reject_reason, ''), COALESCE(overridden_by, ''),
	COALESCE(override_reason, ''), overridden_at`

func scanQCRun(s scanner) (*domain.QCRun, error) {
	var (
		run        domain.QCRun
		verdict    string
		overridden sql.NullTime
	)
	if err := s.Scan(
		&run.RunID, &run.AnalyzerID, &run.TestID, &run.Level, &run.Lot, &run.Value, &run.RunAt,
		&run.N, &run.Mean, &run.SD, &run.CV, &run.ZScore,
		&verdict, pq.Array(&run.Violations), pq.Array(&run.Warnings), &run.RejectReason, &run.OverriddenBy,
		&run.OverrideReason, &overridden,
	); err != nil {
		return nil, err
	}
	run.Verdict = domain.QCVerdict(verdict)
	run.OverriddenAt = timePtr(overridden)
	return &run, nil
}

func (r *PostgresQCRepository) queryRuns(ctx context.Context, query string, args ...interface{}) ([]domain.QCRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query qc runs: %w", err)
	}
	defer rows.Close()

	var out []domain.QCRun
	for rows.Next() {
		run, err := scanQCRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan qc run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// CreateRun 写入质控测定
func (r *PostgresQCRepository) CreateRun(ctx context.Context, run *domain.QCRun) error {
	violations := run.Violations
	if violations == nil {
		violations = []string{}
	}
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_qc_runs (
			run_id, analyzer_id, test_id, level, lot, value, run_at, n, mean, sd, cv, z_score,
			verdict, violations, warnings, reject_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		run.RunID, run.AnalyzerID, run.TestID, run.Level, run.Lot, run.Value, run.RunAt,
		run.N, run.Mean, run.SD, run.CV, run.ZScore,
		string(run.Verdict), pq.Array(violations), pq.Array(warnings), nullString(run.RejectReason),
	)
	if err != nil {
		return fmt.Errorf("failed to create qc run: %w", err)
	}
	return nil
}

// GetRun 获取质控测定
func (r *PostgresQCRepository) GetRun(ctx context.Context, runID string) (*domain.QCRun, error) {
	run, err := scanQCRun(r.db.QueryRowContext(ctx, `SELECT `+qcColumns+` FROM lab_qc_runs WHERE run_id = $1`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("qc run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get qc run: %w", err)
	}
	return run, nil
}

// ListSeries 序列最近 limit 条（升序返回）
func (r *PostgresQCRepository) ListSeries(ctx context.Context, key domain.QCKey, before time.Time, limit int) ([]domain.QCRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRuns(ctx, `
		SELECT * FROM (
			SELECT `+qcColumns+` FROM lab_qc_runs
			WHERE analyzer_id = $1 AND test_id = $2 AND level = $3 AND lot = $4 AND run_at < $5
			ORDER BY run_at DESC
			LIMIT $6
		) s ORDER BY run_at
	`, key.AnalyzerID, key.TestID, key.Level, key.Lot, before, limit)
}

// ListRunsBetween 时间段内的质控测定
func (r *PostgresQCRepository) ListRunsBetween(ctx context.Context, analyzerID, testID string, from, to time.Time) ([]domain.QCRun, error) {
	return r.queryRuns(ctx, `
		SELECT `+qcColumns+` FROM lab_qc_runs
		WHERE analyzer_id = $1 AND test_id = $2 AND run_at >= $3 AND run_at < $4
		ORDER BY run_at
	`, analyzerID, testID, from, to)
}

// Override 覆盖判定，只允许一次
func (r *PostgresQCRepository) Override(ctx context.Context, runID, user, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lab_qc_runs SET overridden_by = $2, override_reason = $3, overridden_at = $4
		WHERE run_id = $1 AND overridden_at IS NULL
	`, runID, user, reason, at)
	if err != nil {
		return fmt.Errorf("failed to override qc run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("qc run %s already overridden: %w", runID, domain.ErrInvalidTransition)
	}
	return nil
}
