package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wisefido-lis/internal/domain"
)

// PostgresResultRepository 结果与未匹配结果 Repository 实现
type PostgresResultRepository struct {
	db *sql.DB
}

// NewPostgresResultRepository 创建结果 Repository
func NewPostgresResultRepository(db *sql.DB) *PostgresResultRepository {
	return &PostgresResultRepository{db: db}
}

var (
	_ ResultRepository   = (*PostgresResultRepository)(nil)
	_ UnmappedRepository = (*PostgresResultRepository)(nil)
)

const resultColumns = `result_id, analyzer_id, order_item_id, test_id, test_code, sample_id, patient_id,
	raw_value, value, COALESCE(unit, ''), COALESCE(instrument_flags, ''), COALESCE(flag, ''), critical_delta,
	sequence, instrument_time, received_at, superseded, COALESCE(resolved_by, ''), evaluated_at`

func scanResult(s scanner) (*domain.ResolvedResult, error) {
	var (
		res   domain.ResolvedResult
		value sql.NullFloat64
		flag  string
		instT sql.NullTime
		evalT sql.NullTime
	)
	if err := s.Scan(
		&res.ResultID, &res.AnalyzerID, &res.OrderItemID, &res.TestID, &res.TestCode, &res.SampleID, &res.PatientID,
		&res.RawValue, &value, &res.Unit, &res.InstrumentFlags, &flag, &res.CriticalDelta,
		&res.Sequence, &instT, &res.ReceivedAt, &res.Superseded, &res.ResolvedBy, &evalT,
	); err != nil {
		return nil, err
	}
	res.Value = floatPtr(value)
	res.Flag = domain.ResultFlag(flag)
	res.InstrumentTime = timePtr(instT)
	res.EvaluatedAt = timePtr(evalT)
	return &res, nil
}

// CreateResult 写入结果
func (r *PostgresResultRepository) CreateResult(ctx context.Context, res *domain.ResolvedResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_results (
			result_id, analyzer_id, order_item_id, test_id, test_code, sample_id, patient_id,
			raw_value, value, unit, instrument_flags, flag, critical_delta,
			sequence, instrument_time, received_at, superseded, resolved_by, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		res.ResultID, res.AnalyzerID, res.OrderItemID, res.TestID, res.TestCode, res.SampleID, res.PatientID,
		res.RawValue, nullFloat(res.Value), nullString(res.Unit), nullString(res.InstrumentFlags), nullString(string(res.Flag)), res.CriticalDelta,
		res.Sequence, nullTime(res.InstrumentTime), res.ReceivedAt, res.Superseded, nullString(res.ResolvedBy),
		nullTime(res.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create result: %w", err)
	}
	return nil
}

// GetResult 获取结果
func (r *PostgresResultRepository) GetResult(ctx context.Context, resultID string) (*domain.ResolvedResult, error) {
	res, err := scanResult(r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM lab_results WHERE result_id = $1`, resultID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return res, nil
}

// FindBySource 按来源键查找
func (r *PostgresResultRepository) FindBySource(ctx context.Context, analyzerID string, sequence int64, sampleID, testCode string) (*domain.ResolvedResult, error) {
	res, err := scanResult(r.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM lab_results
		WHERE analyzer_id = $1 AND sequence = $2 AND sample_id = $3 AND test_code = $4
	`, analyzerID, sequence, sampleID, testCode))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result source %s/%d: %w", analyzerID, sequence, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find result: %w", err)
	}
	return res, nil
}

// PreviousResult 差值检查用的前一条结果
func (r *PostgresResultRepository) PreviousResult(ctx context.Context, patientID, testID string, since, before time.Time, excludeID string) (*domain.ResolvedResult, error) {
	res, err := scanResult(r.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM lab_results
		WHERE patient_id = $1 AND test_id = $2
		  AND COALESCE(instrument_time, received_at) >= $3
		  AND COALESCE(instrument_time, received_at) < $4
		  AND result_id <> $5
		  AND superseded = FALSE
		  AND value IS NOT NULL
		ORDER BY COALESCE(instrument_time, received_at) DESC
		LIMIT 1
	`, patientID, testID, since, before, excludeID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("previous result %s/%s: %w", patientID, testID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query previous result: %w", err)
	}
	return res, nil
}

// UpdateEvaluation 写入判定并记录评估时间
func (r *PostgresResultRepository) UpdateEvaluation(ctx context.Context, resultID string, flag domain.ResultFlag, criticalDelta bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE lab_results SET flag = $2, critical_delta = $3, evaluated_at = $4 WHERE result_id = $1`,
		resultID, nullString(string(flag)), criticalDelta, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update result evaluation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	return nil
}

// MarkSuperseded 结果被复查替代
func (r *PostgresResultRepository) MarkSuperseded(ctx context.Context, resultID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE lab_results SET superseded = TRUE WHERE result_id = $1`, resultID)
	if err != nil {
		return fmt.Errorf("failed to supersede result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	return nil
}

const unmappedColumns = `unmapped_id, analyzer_id, sequence, sample_id, COALESCE(patient_id, ''), test_code,
	raw_value, COALESCE(unit, ''), COALESCE(instrument_flags, ''), instrument_time, reason, COALESCE(detail, ''),
	status, COALESCE(resolved_order_item_id::text, ''), COALESCE(resolved_by, ''), resolved_at, COALESCE(note, ''),
	received_at, created_at`

func scanUnmapped(s scanner) (*domain.UnmappedResult, error) {
	var (
		u              domain.UnmappedResult
		instT, resAt   sql.NullTime
		reason, status string
	)
	if err := s.Scan(
		&u.UnmappedID, &u.AnalyzerID, &u.Sequence, &u.Result.SampleID, &u.Result.PatientID, &u.Result.TestCode,
		&u.Result.RawValue, &u.Result.Unit, &u.Result.InstrumentFlags, &instT, &reason, &u.Detail,
		&status, &u.ResolvedOrderItemID, &u.ResolvedBy, &resAt, &u.Note,
		&u.ReceivedAt, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	u.Result.InstrumentTime = timePtr(instT)
	u.ResolvedAt = timePtr(resAt)
	u.Reason = domain.UnmappedReason(reason)
	u.Status = domain.UnmappedStatus(status)
	return &u, nil
}

// CreateUnmapped 写入未匹配结果
func (r *PostgresResultRepository) CreateUnmapped(ctx context.Context, u *domain.UnmappedResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_unmapped_results (
			unmapped_id, analyzer_id, sequence, sample_id, patient_id, test_code,
			raw_value, unit, instrument_flags, instrument_time, reason, detail,
			status, received_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		u.UnmappedID, u.AnalyzerID, u.Sequence, u.Result.SampleID, nullString(u.Result.PatientID), u.Result.TestCode,
		u.Result.RawValue, nullString(u.Result.Unit), nullString(u.Result.InstrumentFlags), nullTime(u.Result.InstrumentTime),
		string(u.Reason), nullString(u.Detail), string(u.Status), u.ReceivedAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create unmapped result: %w", err)
	}
	return nil
}

// GetUnmapped 获取未匹配结果
func (r *PostgresResultRepository) GetUnmapped(ctx context.Context, unmappedID string) (*domain.UnmappedResult, error) {
	u, err := scanUnmapped(r.db.QueryRowContext(ctx,
		`SELECT `+unmappedColumns+` FROM lab_unmapped_results WHERE unmapped_id = $1`, unmappedID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unmapped result %s: %w", unmappedID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unmapped result: %w", err)
	}
	return u, nil
}

// ExistsSource 来源键是否已记录
func (r *PostgresResultRepository) ExistsSource(ctx context.Context, analyzerID string, sequence int64, sampleID, testCode string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lab_unmapped_results
			WHERE analyzer_id = $1 AND sequence = $2 AND sample_id = $3 AND test_code = $4
		)
	`, analyzerID, sequence, sampleID, testCode).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unmapped source: %w", err)
	}
	return exists, nil
}

// ListUnmapped 未匹配结果列表
func (r *PostgresResultRepository) ListUnmapped(ctx context.Context, filter UnmappedFilter) ([]domain.UnmappedResult, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1
	if filter.AnalyzerID != "" {
		where = append(where, fmt.Sprintf("analyzer_id = $%d", argN))
		args = append(args, filter.AnalyzerID)
		argN++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(filter.Status))
		argN++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM lab_unmapped_results WHERE %s ORDER BY received_at LIMIT $%d`,
		unmappedColumns, strings.Join(where, " AND "), argN)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmapped results: %w", err)
	}
	defer rows.Close()

	var out []domain.UnmappedResult
	for rows.Next() {
		u, err := scanUnmapped(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unmapped result: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateUnmapped 人工处理结果
func (r *PostgresResultRepository) UpdateUnmapped(ctx context.Context, u *domain.UnmappedResult) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lab_unmapped_results
		SET status = $2, resolved_order_item_id = $3, resolved_by = $4, resolved_at = $5, note = $6
		WHERE unmapped_id = $1
	`, u.UnmappedID, string(u.Status), nullString(u.ResolvedOrderItemID), nullString(u.ResolvedBy), nullTime(u.ResolvedAt), nullString(u.Note))
	if err != nil {
		return fmt.Errorf("failed to update unmapped result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unmapped result %s: %w", u.UnmappedID, domain.ErrNotFound)
	}
	return nil
}
