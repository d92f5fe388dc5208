package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-lis/internal/domain"
)

// PostgresAlertRepository 危急值告警 Repository 实现
type PostgresAlertRepository struct {
	db *sql.DB
}

// NewPostgresAlertRepository 创建告警 Repository
func NewPostgresAlertRepository(db *sql.DB) *PostgresAlertRepository {
	return &PostgresAlertRepository{db: db}
}

var _ AlertRepository = (*PostgresAlertRepository)(nil)

const alertColumns = `alert_id, result_id, order_item_id, analyzer_id, patient_id, test_id, value,
	threshold, threshold_value, deadline, state, escalation_count, escalated_at, notification_count,
	COALESCE(acknowledged_by, ''), acknowledged_at, created_at`

func scanAlert(s scanner) (*domain.CriticalValueAlert, error) {
	var (
		a                domain.CriticalValueAlert
		threshold, state string
		escAt, ackAt     sql.NullTime
	)
	if err := s.Scan(
		&a.AlertID, &a.ResultID, &a.OrderItemID, &a.AnalyzerID, &a.PatientID, &a.TestID, &a.Value,
		&threshold, &a.ThresholdValue, &a.Deadline, &state, &a.EscalationCount, &escAt, &a.NotificationCount,
		&a.AcknowledgedBy, &ackAt, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Threshold = domain.ThresholdKind(threshold)
	a.State = domain.AlertState(state)
	a.EscalatedAt = timePtr(escAt)
	a.AcknowledgedAt = timePtr(ackAt)
	return &a, nil
}

func (r *PostgresAlertRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]domain.CriticalValueAlert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.CriticalValueAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateAlert 每条结果最多一条告警，依赖 result_id 唯一约束
func (r *PostgresAlertRepository) CreateAlert(ctx context.Context, a *domain.CriticalValueAlert) (*domain.CriticalValueAlert, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_critical_alerts (
			alert_id, result_id, order_item_id, analyzer_id, patient_id, test_id, value,
			threshold, threshold_value, deadline, state, escalation_count, notification_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (result_id) DO NOTHING
	`,
		a.AlertID, a.ResultID, a.OrderItemID, a.AnalyzerID, a.PatientID, a.TestID, a.Value,
		string(a.Threshold), a.ThresholdValue, a.Deadline, string(a.State), a.EscalationCount, a.NotificationCount, a.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}
	existing, err := r.queryAlerts(ctx, `SELECT `+alertColumns+` FROM lab_critical_alerts WHERE result_id = $1`, a.ResultID)
	if err != nil {
		return nil, false, err
	}
	if len(existing) == 0 {
		return nil, false, fmt.Errorf("alert for result %s: %w", a.ResultID, domain.ErrNotFound)
	}
	return &existing[0], false, nil
}

// GetAlert 获取告警
func (r *PostgresAlertRepository) GetAlert(ctx context.Context, alertID string) (*domain.CriticalValueAlert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM lab_critical_alerts WHERE alert_id = $1`, alertID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// ListAlertsByResult 某结果的告警
func (r *PostgresAlertRepository) ListAlertsByResult(ctx context.Context, resultID string) ([]domain.CriticalValueAlert, error) {
	return r.queryAlerts(ctx, `SELECT `+alertColumns+` FROM lab_critical_alerts WHERE result_id = $1`, resultID)
}

// ListOpenAlerts 未确认的告警，按截止时间排序
func (r *PostgresAlertRepository) ListOpenAlerts(ctx context.Context) ([]domain.CriticalValueAlert, error) {
	return r.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM lab_critical_alerts WHERE state IN ($1, $2) ORDER BY deadline`,
		string(domain.AlertOpen), string(domain.AlertEscalated))
}

// UpdateAlertState 条件更新，保证升级与确认各只发生一次
func (r *PostgresAlertRepository) UpdateAlertState(ctx context.Context, a *domain.CriticalValueAlert, from domain.AlertState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lab_critical_alerts
		SET state = $2, escalation_count = $3, escalated_at = $4, notification_count = $5,
		    acknowledged_by = $6, acknowledged_at = $7
		WHERE alert_id = $1 AND state = $8
	`, a.AlertID, string(a.State), a.EscalationCount, nullTime(a.EscalatedAt), a.NotificationCount,
		nullString(a.AcknowledgedBy), nullTime(a.AcknowledgedAt), string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update alert: %w", err)
	}
	return n == 1, nil
}

const deltaColumns = `delta_id, result_id, previous_result_id, order_item_id, patient_id, test_id,
	value, previous_value, delta_percent, limit_percent, COALESCE(acknowledged_by, ''), acknowledged_at, created_at`

func scanDelta(s scanner) (*domain.DeltaCheck, error) {
	var (
		d     domain.DeltaCheck
		ackAt sql.NullTime
	)
	if err := s.Scan(
		&d.DeltaID, &d.ResultID, &d.PreviousResultID, &d.OrderItemID, &d.PatientID, &d.TestID,
		&d.Value, &d.PreviousValue, &d.DeltaPercent, &d.LimitPercent, &d.AcknowledgedBy, &ackAt, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	d.AcknowledgedAt = timePtr(ackAt)
	return &d, nil
}

// CreateDelta 写入差值检查记录
func (r *PostgresAlertRepository) CreateDelta(ctx context.Context, d *domain.DeltaCheck) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_delta_checks (
			delta_id, result_id, previous_result_id, order_item_id, patient_id, test_id,
			value, previous_value, delta_percent, limit_percent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (result_id) DO NOTHING
	`, d.DeltaID, d.ResultID, d.PreviousResultID, d.OrderItemID, d.PatientID, d.TestID,
		d.Value, d.PreviousValue, d.DeltaPercent, d.LimitPercent, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create delta check: %w", err)
	}
	return nil
}

// GetDelta 获取差值检查记录
func (r *PostgresAlertRepository) GetDelta(ctx context.Context, deltaID string) (*domain.DeltaCheck, error) {
	d, err := scanDelta(r.db.QueryRowContext(ctx,
		`SELECT `+deltaColumns+` FROM lab_delta_checks WHERE delta_id = $1`, deltaID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delta check %s: %w", deltaID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delta check: %w", err)
	}
	return d, nil
}

// ListDeltasByResult 某结果的差值检查记录
func (r *PostgresAlertRepository) ListDeltasByResult(ctx context.Context, resultID string) ([]domain.DeltaCheck, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM lab_delta_checks WHERE result_id = $1`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delta checks: %w", err)
	}
	defer rows.Close()

	var out []domain.DeltaCheck
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delta check: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AcknowledgeDelta 确认差值检查
func (r *PostgresAlertRepository) AcknowledgeDelta(ctx context.Context, deltaID, user string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE lab_delta_checks SET acknowledged_by = $2, acknowledged_at = $3
		WHERE delta_id = $1 AND acknowledged_at IS NULL
	`, deltaID, user, time.Now())
	if err != nil {
		return fmt.Errorf("failed to acknowledge delta check: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delta check %s not open: %w", deltaID, domain.ErrNotFound)
	}
	return nil
}
