package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-lis/internal/domain"
)

// PostgresOrderItemRepository 医嘱项目 Repository 实现
type PostgresOrderItemRepository struct {
	db *sql.DB
}

// NewPostgresOrderItemRepository 创建医嘱项目 Repository
func NewPostgresOrderItemRepository(db *sql.DB) *PostgresOrderItemRepository {
	return &PostgresOrderItemRepository{db: db}
}

var _ OrderItemRepository = (*PostgresOrderItemRepository)(nil)

const orderItemColumns = `order_item_id, order_id, patient_id, patient_sex, patient_birth_date, sample_id, test_id,
	COALESCE(priority, ''), state, COALESCE(result_id::text, ''), COALESCE(analyzer_id::text, ''), rerun_count, updated_at`

func scanOrderItem(s scanner) (*domain.OrderItem, error) {
	var (
		o          domain.OrderItem
		sex, state string
		birth      sql.NullTime
	)
	if err := s.Scan(
		&o.OrderItemID, &o.OrderID, &o.PatientID, &sex, &birth, &o.SampleID, &o.TestID,
		&o.Priority, &state, &o.ResultID, &o.AnalyzerID, &o.RerunCount, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.PatientSex = domain.Sex(sex)
	o.State = domain.OrderItemState(state)
	o.PatientBirthDate = timePtr(birth)
	return &o, nil
}

// CreateOrderItem 写入医嘱项目
func (r *PostgresOrderItemRepository) CreateOrderItem(ctx context.Context, o *domain.OrderItem) error {
	sex := o.PatientSex
	if sex == "" {
		sex = domain.SexAny
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_order_items (
			order_item_id, order_id, patient_id, patient_sex, patient_birth_date, sample_id, test_id,
			priority, state, result_id, analyzer_id, rerun_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		o.OrderItemID, o.OrderID, o.PatientID, string(sex), nullTime(o.PatientBirthDate), o.SampleID, o.TestID,
		nullString(o.Priority), string(o.State), nullString(o.ResultID), nullString(o.AnalyzerID), o.RerunCount, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

// GetOrderItem 获取医嘱项目
func (r *PostgresOrderItemRepository) GetOrderItem(ctx context.Context, orderItemID string) (*domain.OrderItem, error) {
	o, err := scanOrderItem(r.db.QueryRowContext(ctx,
		`SELECT `+orderItemColumns+` FROM lab_order_items WHERE order_item_id = $1`, orderItemID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order item %s: %w", orderItemID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order item: %w", err)
	}
	return o, nil
}

// ListOpenForResult 等待结果且尚无当前结果的项目
func (r *PostgresOrderItemRepository) ListOpenForResult(ctx context.Context, sampleID, testID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderItemColumns+` FROM lab_order_items
		WHERE sample_id = $1 AND test_id = $2 AND state IN ($3, $4) AND result_id IS NULL
		ORDER BY updated_at
	`, sampleID, testID, string(domain.StateAwaitingResult), string(domain.StateRerun))
	if err != nil {
		return nil, fmt.Errorf("failed to list open order items: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		o, err := scanOrderItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListBySample 样本号 + 项目下的全部项目（含已出结果、已取消）
func (r *PostgresOrderItemRepository) ListBySample(ctx context.Context, sampleID, testID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderItemColumns+` FROM lab_order_items
		WHERE sample_id = $1 AND test_id = $2
		ORDER BY updated_at
	`, sampleID, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items by sample: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		o, err := scanOrderItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ApplyTransition 更新状态并写审计记录（同一事务）
func (r *PostgresOrderItemRepository) ApplyTransition(ctx context.Context, o *domain.OrderItem, t *domain.StateTransition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE lab_order_items
		SET state = $2, result_id = $3, analyzer_id = $4, rerun_count = $5, updated_at = $6
		WHERE order_item_id = $1 AND state = $7
	`, o.OrderItemID, string(o.State), nullString(o.ResultID), nullString(o.AnalyzerID), o.RerunCount, o.UpdatedAt, string(t.From))
	if err != nil {
		return fmt.Errorf("failed to update order item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order item %s no longer %s: %w", o.OrderItemID, t.From, domain.ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lab_order_item_transitions (
			transition_id, order_item_id, from_state, to_state, user_id, reason, result_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.TransitionID, t.OrderItemID, string(t.From), string(t.To), t.UserID, nullString(t.Reason), nullString(t.ResultID), t.At)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// ListTransitions 审计记录，按时间升序
func (r *PostgresOrderItemRepository) ListTransitions(ctx context.Context, orderItemID string) ([]domain.StateTransition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT transition_id, order_item_id, from_state, to_state, user_id, COALESCE(reason, ''),
		       COALESCE(result_id::text, ''), created_at
		FROM lab_order_item_transitions
		WHERE order_item_id = $1
		ORDER BY created_at
	`, orderItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.StateTransition
	for rows.Next() {
		var (
			t        domain.StateTransition
			from, to string
		)
		if err := rows.Scan(&t.TransitionID, &t.OrderItemID, &from, &to, &t.UserID, &t.Reason, &t.ResultID, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From, t.To = domain.OrderItemState(from), domain.OrderItemState(to)
		out = append(out, t)
	}
	return out, rows.Err()
}
