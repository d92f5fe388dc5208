package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-lis/internal/domain"
)

// PostgresAnalyzerRepository 仪器配置 Repository 实现
type PostgresAnalyzerRepository struct {
	db *sql.DB
}

// NewPostgresAnalyzerRepository 创建仪器配置 Repository
func NewPostgresAnalyzerRepository(db *sql.DB) *PostgresAnalyzerRepository {
	return &PostgresAnalyzerRepository{db: db}
}

var (
	_ AnalyzerRepository      = (*PostgresAnalyzerRepository)(nil)
	_ CatalogRepository       = (*PostgresAnalyzerRepository)(nil)
	_ ConnectionLogRepository = (*PostgresAnalyzerRepository)(nil)
)

const analyzerColumns = `analyzer_id, code, name, COALESCE(manufacturer, ''), COALESCE(model, ''),
	transport, protocol, COALESCE(serial_port, ''), COALESCE(baud_rate, 0), COALESCE(data_bits, 0),
	COALESCE(parity, ''), COALESCE(stop_bits, 0), COALESCE(host, ''), COALESCE(port, 0),
	is_active, created_at, updated_at`

func scanAnalyzer(s scanner) (*domain.Analyzer, error) {
	var a domain.Analyzer
	var transport, protocol string
	if err := s.Scan(
		&a.AnalyzerID, &a.Code, &a.Name, &a.Manufacturer, &a.Model,
		&transport, &protocol, &a.SerialPort, &a.BaudRate, &a.DataBits,
		&a.Parity, &a.StopBits, &a.Host, &a.Port,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Transport = domain.TransportKind(transport)
	a.Protocol = domain.Protocol(protocol)
	return &a, nil
}

// ListActiveAnalyzers 启用中的仪器
func (r *PostgresAnalyzerRepository) ListActiveAnalyzers(ctx context.Context) ([]domain.Analyzer, error) {
	query := `SELECT ` + analyzerColumns + ` FROM lab_analyzers WHERE is_active = TRUE ORDER BY code`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzers: %w", err)
	}
	defer rows.Close()

	var out []domain.Analyzer
	for rows.Next() {
		a, err := scanAnalyzer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analyzer: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAnalyzer 获取单台仪器
func (r *PostgresAnalyzerRepository) GetAnalyzer(ctx context.Context, analyzerID string) (*domain.Analyzer, error) {
	query := `SELECT ` + analyzerColumns + ` FROM lab_analyzers WHERE analyzer_id = $1`
	a, err := scanAnalyzer(r.db.QueryRowContext(ctx, query, analyzerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analyzer %s: %w", analyzerID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analyzer: %w", err)
	}
	return a, nil
}

// LoadCatalog 一次读取全部项目配置
func (r *PostgresAnalyzerRepository) LoadCatalog(ctx context.Context) (*domain.Catalog, error) {
	c := &domain.Catalog{}

	rows, err := r.db.QueryContext(ctx, `
		SELECT mapping_id, analyzer_id, local_code, test_id, conversion_factor, COALESCE(unit, ''), is_active
		FROM lab_test_mappings
		WHERE is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load test mappings: %w", err)
	}
	for rows.Next() {
		var m domain.TestMapping
		if err := rows.Scan(&m.MappingID, &m.AnalyzerID, &m.LocalCode, &m.TestID, &m.ConversionFactor, &m.Unit, &m.IsActive); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan test mapping: %w", err)
		}
		c.Mappings = append(c.Mappings, m)
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT range_id, test_id, sex, age_from_days, age_to_days, low, high, COALESCE(unit, '')
		FROM lab_reference_ranges
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference ranges: %w", err)
	}
	for rows.Next() {
		var (
			rr       domain.ReferenceRange
			sex      string
			from, to sql.NullInt64
			lo, hi   sql.NullFloat64
		)
		if err := rows.Scan(&rr.RangeID, &rr.TestID, &sex, &from, &to, &lo, &hi, &rr.Unit); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reference range: %w", err)
		}
		rr.Sex = domain.Sex(sex)
		rr.AgeFromDays, rr.AgeToDays = intPtr(from), intPtr(to)
		rr.Low, rr.High = floatPtr(lo), floatPtr(hi)
		c.Ranges = append(c.Ranges, rr)
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT threshold_id, test_id, sex, age_from_days, age_to_days,
		       critical_low, critical_high, panic_low, panic_high, ack_timeout_seconds
		FROM lab_critical_thresholds
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load critical thresholds: %w", err)
	}
	for rows.Next() {
		var (
			th             domain.CriticalThreshold
			sex            string
			from, to       sql.NullInt64
			cl, ch, pl, ph sql.NullFloat64
			ackSecs        int
		)
		if err := rows.Scan(&th.ThresholdID, &th.TestID, &sex, &from, &to, &cl, &ch, &pl, &ph, &ackSecs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan critical threshold: %w", err)
		}
		th.Sex = domain.Sex(sex)
		th.AgeFromDays, th.AgeToDays = intPtr(from), intPtr(to)
		th.CriticalLow, th.CriticalHigh = floatPtr(cl), floatPtr(ch)
		th.PanicLow, th.PanicHigh = floatPtr(pl), floatPtr(ph)
		th.AckTimeout = time.Duration(ackSecs) * time.Second
		c.Thresholds = append(c.Thresholds, th)
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `SELECT test_id, max_delta_percent, lookback_hours FROM lab_delta_rules`)
	if err != nil {
		return nil, fmt.Errorf("failed to load delta rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d     domain.DeltaRule
			hours int
		)
		if err := rows.Scan(&d.TestID, &d.MaxDeltaPercent, &hours); err != nil {
			return nil, fmt.Errorf("failed to scan delta rule: %w", err)
		}
		d.Lookback = time.Duration(hours) * time.Hour
		c.DeltaRules = append(c.DeltaRules, d)
	}
	return c, rows.Err()
}

// AppendConnectionLog 写入会话状态变化
func (r *PostgresAnalyzerRepository) AppendConnectionLog(ctx context.Context, log *domain.ConnectionLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_connection_logs (log_id, analyzer_id, session_id, from_state, to_state, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, log.LogID, log.AnalyzerID, nullString(log.SessionID), log.FromState, log.ToState, nullString(log.Error), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append connection log: %w", err)
	}
	return nil
}

// ListConnectionLogs 最近的会话状态变化
func (r *PostgresAnalyzerRepository) ListConnectionLogs(ctx context.Context, analyzerID string, limit int) ([]domain.ConnectionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT log_id, analyzer_id, COALESCE(session_id, ''), from_state, to_state, COALESCE(error, ''), created_at
		FROM lab_connection_logs
		WHERE analyzer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, analyzerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ConnectionLog
	for rows.Next() {
		var l domain.ConnectionLog
		if err := rows.Scan(&l.LogID, &l.AnalyzerID, &l.SessionID, &l.FromState, &l.ToState, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
