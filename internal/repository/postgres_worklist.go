package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wisefido-lis/internal/domain"
)

// PostgresWorklistRepository 工作单 Repository 实现
type PostgresWorklistRepository struct {
	db *sql.DB
}

// NewPostgresWorklistRepository 创建工作单 Repository
func NewPostgresWorklistRepository(db *sql.DB) *PostgresWorklistRepository {
	return &PostgresWorklistRepository{db: db}
}

var _ WorklistRepository = (*PostgresWorklistRepository)(nil)

const worklistColumns = `entry_id, analyzer_id, order_item_id, sample_id, COALESCE(patient_id, ''), test_code,
	COALESCE(priority, ''), status, attempt_count, last_attempt_at, COALESCE(message_control_id, ''),
	COALESCE(last_error, ''), created_at, updated_at`

func scanWorklistEntry(s scanner) (*domain.WorklistEntry, error) {
	var (
		e           domain.WorklistEntry
		status      string
		lastAttempt sql.NullTime
	)
	if err := s.Scan(
		&e.EntryID, &e.AnalyzerID, &e.OrderItemID, &e.SampleID, &e.PatientID, &e.TestCode,
		&e.Priority, &status, &e.AttemptCount, &lastAttempt, &e.MessageControlID,
		&e.LastError, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = domain.DispatchStatus(status)
	e.LastAttemptAt = timePtr(lastAttempt)
	return &e, nil
}

// CreateEntry 新建工作单条目
func (r *PostgresWorklistRepository) CreateEntry(ctx context.Context, e *domain.WorklistEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_worklist_entries (
			entry_id, analyzer_id, order_item_id, sample_id, patient_id, test_code, priority,
			status, attempt_count, last_attempt_at, message_control_id, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		e.EntryID, e.AnalyzerID, e.OrderItemID, e.SampleID, nullString(e.PatientID), e.TestCode, nullString(e.Priority),
		string(e.Status), e.AttemptCount, nullTime(e.LastAttemptAt), nullString(e.MessageControlID), nullString(e.LastError),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create worklist entry: %w", err)
	}
	return nil
}

// GetEntry 获取工作单条目
func (r *PostgresWorklistRepository) GetEntry(ctx context.Context, entryID string) (*domain.WorklistEntry, error) {
	e, err := scanWorklistEntry(r.db.QueryRowContext(ctx,
		`SELECT `+worklistColumns+` FROM lab_worklist_entries WHERE entry_id = $1`, entryID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worklist entry %s: %w", entryID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worklist entry: %w", err)
	}
	return e, nil
}

// FindEntry 按样本与项目代码查找
func (r *PostgresWorklistRepository) FindEntry(ctx context.Context, analyzerID, sampleID, testCode string) (*domain.WorklistEntry, error) {
	e, err := scanWorklistEntry(r.db.QueryRowContext(ctx,
		`SELECT `+worklistColumns+` FROM lab_worklist_entries WHERE analyzer_id = $1 AND sample_id = $2 AND test_code = $3`,
		analyzerID, sampleID, testCode))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worklist entry %s/%s: %w", sampleID, testCode, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find worklist entry: %w", err)
	}
	return e, nil
}

// UpdateEntry 更新发送状态与重试计数
func (r *PostgresWorklistRepository) UpdateEntry(ctx context.Context, e *domain.WorklistEntry) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lab_worklist_entries
		SET status = $2, attempt_count = $3, last_attempt_at = $4, message_control_id = $5,
		    last_error = $6, updated_at = $7
		WHERE entry_id = $1
	`, e.EntryID, string(e.Status), e.AttemptCount, nullTime(e.LastAttemptAt), nullString(e.MessageControlID),
		nullString(e.LastError), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update worklist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worklist entry %s: %w", e.EntryID, domain.ErrNotFound)
	}
	return nil
}

// ListEntries 按仪器与状态查询
func (r *PostgresWorklistRepository) ListEntries(ctx context.Context, analyzerID string, statuses ...domain.DispatchStatus) ([]domain.WorklistEntry, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1
	if analyzerID != "" {
		where = append(where, fmt.Sprintf("analyzer_id = $%d", argN))
		args = append(args, analyzerID)
		argN++
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, string(s))
			argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := `SELECT ` + worklistColumns + ` FROM lab_worklist_entries WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worklist entries: %w", err)
	}
	defer rows.Close()

	var out []domain.WorklistEntry
	for rows.Next() {
		e, err := scanWorklistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worklist entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
