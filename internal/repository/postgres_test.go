package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-lis/internal/domain"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// ============================================
// 原始帧与水位
// ============================================

func TestPostgresFrames_AppendAndLastSequence(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresFrameRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	frame := domain.RawFrame{AnalyzerID: "an-1", SessionID: "s-1", Sequence: 42, ReceivedAt: now, Data: []byte("\x05")}
	mock.ExpectExec(`INSERT INTO lab_raw_frames`).
		WithArgs("an-1", int64(42), "s-1", now, []byte("\x05")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AppendFrame(ctx, frame))

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), 0\)`).
		WithArgs("an-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))
	seq, err := repo.LastSequence(ctx, "an-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFrames_ListFramesAfter(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresFrameRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"analyzer_id", "sequence", "session_id", "received_at", "data"}).
		AddRow("an-1", int64(8), "s-1", now, []byte("a")).
		AddRow("an-1", int64(9), "s-1", now, []byte("b"))
	mock.ExpectQuery(`SELECT`).WithArgs("an-1", int64(7), 500).WillReturnRows(rows)

	frames, err := repo.ListFramesAfter(context.Background(), "an-1", 7, 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(8), frames[0].Sequence)
	assert.Equal(t, []byte("b"), frames[1].Data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFrames_WatermarkNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresFrameRepository(db)

	mock.ExpectQuery(`SELECT`).WithArgs("an-1").WillReturnError(sql.ErrNoRows)

	wm, err := repo.GetWatermark(context.Background(), "an-1")
	assert.Nil(t, wm)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFrames_SaveWatermark(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresFrameRepository(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO lab_watermarks`).
		WithArgs("an-1", int64(10), []byte("H|"), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveWatermark(context.Background(), domain.Watermark{AnalyzerID: "an-1", Sequence: 10, Remainder: []byte("H|"), UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 工作单
// ============================================

func TestPostgresWorklist_UpdateNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresWorklistRepository(db)
	now := time.Now()

	e := &domain.WorklistEntry{EntryID: "e-1", Status: domain.DispatchSent, AttemptCount: 2, LastAttemptAt: &now, UpdatedAt: now}
	mock.ExpectExec(`UPDATE lab_worklist_entries`).
		WithArgs("e-1", "Sent", 2, now, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateEntry(context.Background(), e)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWorklist_ListByStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresWorklistRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"entry_id", "analyzer_id", "order_item_id", "sample_id", "patient_id", "test_code",
		"priority", "status", "attempt_count", "last_attempt_at", "message_control_id",
		"last_error", "created_at", "updated_at",
	}).AddRow("e-1", "an-1", "oi-1", "S100", "P1", "GLU", "R", "Failed", 3, now, "", "acknowledgment timeout", now, now)

	mock.ExpectQuery(`SELECT .* FROM lab_worklist_entries WHERE 1=1 AND analyzer_id = \$1 AND status IN \(\$2\)`).
		WithArgs("an-1", "Failed").
		WillReturnRows(rows)

	list, err := repo.ListEntries(context.Background(), "an-1", domain.DispatchFailed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DispatchFailed, list[0].Status)
	assert.Equal(t, 3, list[0].AttemptCount)
	assert.Equal(t, "acknowledgment timeout", list[0].LastError)
	require.NotNil(t, list[0].LastAttemptAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 结果
// ============================================

var resultCols = []string{
	"result_id", "analyzer_id", "order_item_id", "test_id", "test_code", "sample_id", "patient_id",
	"raw_value", "value", "unit", "instrument_flags", "flag", "critical_delta",
	"sequence", "instrument_time", "received_at", "superseded", "resolved_by", "evaluated_at",
}

func TestPostgresResults_FindBySource(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresResultRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows(resultCols).AddRow(
		"r-1", "an-1", "oi-1", "GLU", "GLU", "S100", "P1",
		"5.4", 5.4, "mmol/L", "", "N", false,
		int64(3), nil, now, false, "", now,
	)
	mock.ExpectQuery(`SELECT`).WithArgs("an-1", int64(3), "S100", "GLU").WillReturnRows(rows)

	r, err := repo.FindBySource(context.Background(), "an-1", 3, "S100", "GLU")
	require.NoError(t, err)
	require.NotNil(t, r.Value)
	assert.Equal(t, 5.4, *r.Value)
	assert.Equal(t, domain.FlagNormal, r.Flag)
	assert.Nil(t, r.InstrumentTime)
	assert.True(t, r.Evaluated())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResults_PreviousResultNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresResultRepository(db)
	since := time.Now().Add(-72 * time.Hour)
	before := time.Now()

	mock.ExpectQuery(`SELECT`).WithArgs("P1", "GLU", since, before, "r-2").WillReturnError(sql.ErrNoRows)

	_, err := repo.PreviousResult(context.Background(), "P1", "GLU", since, before, "r-2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnmapped_ExistsSource(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresResultRepository(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("an-1", int64(5), "S9", "XYZ").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.ExistsSource(context.Background(), "an-1", 5, "S9", "XYZ")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 告警
// ============================================

func TestPostgresAlerts_CreateAlertConflictReturnsExisting(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAlertRepository(db)
	now := time.Now()

	a := &domain.CriticalValueAlert{
		AlertID: "a-2", ResultID: "r-1", OrderItemID: "oi-1", AnalyzerID: "an-1", PatientID: "P1", TestID: "K",
		Value: 7.1, Threshold: domain.ThresholdCriticalHigh, ThresholdValue: 6.5,
		Deadline: now.Add(15 * time.Minute), State: domain.AlertOpen, CreatedAt: now,
	}
	mock.ExpectExec(`INSERT INTO lab_critical_alerts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM lab_critical_alerts WHERE result_id = \$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "result_id", "order_item_id", "analyzer_id", "patient_id", "test_id", "value",
			"threshold", "threshold_value", "deadline", "state", "escalation_count", "escalated_at", "notification_count",
			"acknowledged_by", "acknowledged_at", "created_at",
		}).AddRow("a-1", "r-1", "oi-1", "an-1", "P1", "K", 7.1,
			"critical_high", 6.5, now, "Open", 0, nil, 1, "", nil, now))

	existing, created, err := repo.CreateAlert(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a-1", existing.AlertID)
	assert.Equal(t, 1, existing.NotificationCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_UpdateStateGuard(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAlertRepository(db)

	a := &domain.CriticalValueAlert{AlertID: "a-1", State: domain.AlertEscalated, EscalationCount: 1}
	mock.ExpectExec(`UPDATE lab_critical_alerts`).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateAlertState(context.Background(), a, domain.AlertOpen)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 质控
// ============================================

func TestPostgresQC_ListSeries(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresQCRepository(db)
	now := time.Now()
	key := domain.QCKey{AnalyzerID: "an-1", TestID: "GLU", Level: "1", Lot: "L01"}

	rows := sqlmock.NewRows([]string{
		"run_id", "analyzer_id", "test_id", "level", "lot", "value", "run_at", "n", "mean", "sd", "cv", "z_score",
		"verdict", "violations", "warnings", "reject_reason", "overridden_by", "override_reason", "overridden_at",
	}).AddRow("q-1", "an-1", "GLU", "1", "L01", 5.9, now, 20, 5.0, 0.2, 4.0, 4.5,
		"reject", "{1-3s,2-2s}", "{}", "1-3s", "", "", nil)
	mock.ExpectQuery(`SELECT`).WithArgs("an-1", "GLU", "1", "L01", now, 100).WillReturnRows(rows)

	runs, err := repo.ListSeries(context.Background(), key, now, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"1-3s", "2-2s"}, runs[0].Violations)
	assert.Equal(t, domain.QCReject, runs[0].Verdict)
	assert.Nil(t, runs[0].OverriddenAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQC_CreateRun(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresQCRepository(db)
	now := time.Now()

	run := &domain.QCRun{RunID: "q-1", AnalyzerID: "an-1", TestID: "GLU", Level: "1", Lot: "L01", Value: 5.1, RunAt: now,
		N: 3, Verdict: domain.QCInsufficientData}
	mock.ExpectExec(`INSERT INTO lab_qc_runs`).
		WithArgs("q-1", "an-1", "GLU", "1", "L01", 5.1, now, 3, 0.0, 0.0, 0.0, 0.0,
			"insufficient_data", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 医嘱项目状态迁移
// ============================================

func TestPostgresOrderItems_ApplyTransition(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresOrderItemRepository(db)
	now := time.Now()

	item := &domain.OrderItem{OrderItemID: "oi-1", State: domain.StatePreliminaryApproved, ResultID: "r-1", AnalyzerID: "an-1", UpdatedAt: now}
	tr := &domain.StateTransition{TransitionID: "t-1", OrderItemID: "oi-1", From: domain.StateAwaitingResult,
		To: domain.StatePreliminaryApproved, UserID: "tech-1", ResultID: "r-1", At: now}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lab_order_items`).
		WithArgs("oi-1", "PreliminaryApproved", "r-1", "an-1", 0, now, "AwaitingResult").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO lab_order_item_transitions`).
		WithArgs("t-1", "oi-1", "AwaitingResult", "PreliminaryApproved", "tech-1", nil, "r-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ApplyTransition(context.Background(), item, tr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOrderItems_ApplyTransitionStale(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresOrderItemRepository(db)

	item := &domain.OrderItem{OrderItemID: "oi-1", State: domain.StateFinalApproved}
	tr := &domain.StateTransition{From: domain.StatePreliminaryApproved, To: domain.StateFinalApproved}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lab_order_items`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyTransition(context.Background(), item, tr)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOrderItems_ListBySample(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresOrderItemRepository(db)
	now := time.Now()

	cols := []string{"order_item_id", "order_id", "patient_id", "patient_sex", "patient_birth_date", "sample_id", "test_id",
		"priority", "state", "result_id", "analyzer_id", "rerun_count", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM lab_order_items WHERE sample_id = \$1 AND test_id = \$2`).
		WithArgs("S100", "GLUC").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("oi-1", "o-1", "P1", "F", nil, "S100", "GLUC", "", "AwaitingResult", "r-1", "an-1", 0, now))

	items, err := repo.ListBySample(context.Background(), "S100", "GLUC")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "r-1", items[0].ResultID)
	assert.Equal(t, domain.SexFemale, items[0].PatientSex)
	assert.Nil(t, items[0].PatientBirthDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 项目配置
// ============================================

func TestPostgresCatalog_Load(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAnalyzerRepository(db)

	mock.ExpectQuery(`FROM lab_test_mappings`).WillReturnRows(
		sqlmock.NewRows([]string{"mapping_id", "analyzer_id", "local_code", "test_id", "conversion_factor", "unit", "is_active"}).
			AddRow("m-1", "an-1", "GLU", "GLU", 1.0, "mmol/L", true))
	mock.ExpectQuery(`FROM lab_reference_ranges`).WillReturnRows(
		sqlmock.NewRows([]string{"range_id", "test_id", "sex", "age_from_days", "age_to_days", "low", "high", "unit"}).
			AddRow("rr-1", "GLU", "U", nil, nil, 3.9, 6.1, "mmol/L"))
	mock.ExpectQuery(`FROM lab_critical_thresholds`).WillReturnRows(
		sqlmock.NewRows([]string{"threshold_id", "test_id", "sex", "age_from_days", "age_to_days",
			"critical_low", "critical_high", "panic_low", "panic_high", "ack_timeout_seconds"}).
			AddRow("th-1", "GLU", "U", 6570, nil, 2.5, 25.0, nil, nil, 600))
	mock.ExpectQuery(`FROM lab_delta_rules`).WillReturnRows(
		sqlmock.NewRows([]string{"test_id", "max_delta_percent", "lookback_hours"}).AddRow("GLU", 50.0, 72))

	c, err := repo.LoadCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Mappings, 1)
	require.Len(t, c.Ranges, 1)
	require.Len(t, c.Thresholds, 1)
	require.Len(t, c.DeltaRules, 1)

	assert.Equal(t, 6.1, *c.Ranges[0].High)
	assert.Nil(t, c.Ranges[0].AgeFromDays)
	th := c.Thresholds[0]
	require.NotNil(t, th.AgeFromDays)
	assert.Equal(t, 6570, *th.AgeFromDays)
	assert.Nil(t, th.PanicHigh)
	assert.Equal(t, 10*time.Minute, th.AckTimeout)
	assert.Equal(t, 72*time.Hour, c.DeltaRules[0].Lookback)
	require.NoError(t, mock.ExpectationsWereMet())
}
