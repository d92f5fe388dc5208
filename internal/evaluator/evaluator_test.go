package evaluator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

func fp(v float64) *float64 { return &v }

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualTimers 记录定时器，由测试手动触发
type manualTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (m *manualTimers) after(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) last() *fakeTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[len(m.timers)-1]
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time      { return c.now }
func (c *clock) Add(d time.Duration) { c.now = c.now.Add(d) }

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *repository.MemoryStore
	eval   *Evaluator
	timers *manualTimers
	clock  *clock
	events *recorder
	seq    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	cat := catalog.NewStore(store, zap.NewNop())
	cat.Replace(domain.Catalog{
		Ranges: []domain.ReferenceRange{
			{TestID: "GLU", Low: fp(70), High: fp(110)},
		},
		Thresholds: []domain.CriticalThreshold{
			{TestID: "GLU", CriticalLow: fp(40), CriticalHigh: fp(126), PanicHigh: fp(500)},
			{TestID: "K", CriticalLow: fp(2.5), CriticalHigh: fp(6.5), AckTimeout: 5 * time.Minute},
		},
		DeltaRules: []domain.DeltaRule{
			{TestID: "HGB", MaxDeltaPercent: 50, Lookback: 48 * time.Hour},
		},
	})
	f := &fixture{
		store:  store,
		timers: &manualTimers{},
		clock:  &clock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	f.eval = NewEvaluator(cat, store, store, f.events, nil, Options{
		Now:   f.clock.Now,
		After: f.timers.after,
	}, zap.NewNop())
	return f
}

func (f *fixture) result(t *testing.T, testID string, v float64) *domain.ResolvedResult {
	t.Helper()
	f.seq++
	r := &domain.ResolvedResult{
		AnalyzerID:  "an-1",
		OrderItemID: "oi-" + testID,
		TestID:      testID,
		TestCode:    testID,
		SampleID:    "S1",
		PatientID:   "P1",
		RawValue:    "x",
		Value:       &v,
		Sequence:    f.seq,
		ReceivedAt:  f.clock.Now(),
	}
	require.NoError(t, f.store.CreateResult(context.Background(), r))
	return r
}

func item() domain.OrderItem {
	return domain.OrderItem{OrderItemID: "oi-1", PatientID: "P1", PatientSex: domain.SexFemale}
}

func TestEvaluate_HighWithoutAlert(t *testing.T) {
	f := newFixture(t)
	res := f.result(t, "GLU", 120)

	out, err := f.eval.Evaluate(context.Background(), res, item())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagHigh, out.Flag)
	assert.Nil(t, out.Alert)
	assert.Equal(t, 0, f.eval.Scheduler().Pending())

	stored, err := f.store.GetResult(context.Background(), res.ResultID)
	require.NoError(t, err)
	assert.Equal(t, domain.FlagHigh, stored.Flag)
}

func TestEvaluate_CriticalAcknowledgedBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.result(t, "GLU", 180)

	out, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagCriticalHigh, out.Flag)
	require.NotNil(t, out.Alert)
	assert.True(t, out.AlertCreated)
	assert.Equal(t, domain.AlertOpen, out.Alert.State)
	assert.Equal(t, domain.ThresholdCriticalHigh, out.Alert.Threshold)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), out.Alert.Deadline)
	assert.Equal(t, 15*time.Minute, f.timers.last().d)
	assert.Equal(t, 1, f.events.count(notify.EventCriticalAlert))

	f.clock.Add(2 * time.Minute)
	acked, err := f.eval.Acknowledge(ctx, out.Alert.AlertID, "dr.li")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.State)
	assert.Equal(t, "dr.li", acked.AcknowledgedBy)
	assert.Equal(t, 0, f.eval.Scheduler().Pending())
	assert.True(t, f.timers.last().stopped)

	_, err = f.eval.Acknowledge(ctx, out.Alert.AlertID, "dr.li")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestEvaluate_BoundaryIsCritical(t *testing.T) {
	f := newFixture(t)
	out, err := f.eval.Evaluate(context.Background(), f.result(t, "GLU", 126), item())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagCriticalHigh, out.Flag)
	require.NotNil(t, out.Alert)

	out, err = f.eval.Evaluate(context.Background(), f.result(t, "GLU", 40), item())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagCriticalLow, out.Flag)
	assert.Equal(t, domain.ThresholdCriticalLow, out.Alert.Threshold)
}

func TestEvaluate_PanicTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	out, err := f.eval.Evaluate(context.Background(), f.result(t, "GLU", 600), item())
	require.NoError(t, err)
	assert.Equal(t, domain.ThresholdPanicHigh, out.Alert.Threshold)
	assert.Equal(t, 500.0, out.Alert.ThresholdValue)
}

func TestEvaluate_ThresholdAckTimeout(t *testing.T) {
	f := newFixture(t)
	out, err := f.eval.Evaluate(context.Background(), f.result(t, "K", 7.1), item())
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), out.Alert.Deadline)
}

func TestEvaluate_OneAlertPerResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.result(t, "GLU", 180)

	first, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	second, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	assert.False(t, second.AlertCreated)
	assert.Equal(t, first.Alert.AlertID, second.Alert.AlertID)
	assert.Equal(t, 1, f.events.count(notify.EventCriticalAlert))
	assert.Equal(t, 1, f.eval.Scheduler().Pending())
}

func TestEscalation_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.eval.Evaluate(ctx, f.result(t, "GLU", 180), item())
	require.NoError(t, err)

	f.clock.Add(15 * time.Minute)
	f.timers.last().f()
	require.NoError(t, f.eval.Escalate(ctx, out.Alert.AlertID))

	a, err := f.store.GetAlert(ctx, out.Alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertEscalated, a.State)
	assert.Equal(t, 1, a.EscalationCount)
	assert.Equal(t, 2, a.NotificationCount)
	assert.Equal(t, 1, f.events.count(notify.EventCriticalEscalated))

	acked, err := f.eval.Acknowledge(ctx, a.AlertID, "dr.wang")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertEscalatedAcknowledged, acked.State)

	open, err := f.eval.ListOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAcknowledge_RequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.eval.Acknowledge(context.Background(), "any", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStart_RestoresTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	_, _, err := f.store.CreateAlert(ctx, &domain.CriticalValueAlert{
		AlertID: "a-late", ResultID: "r1", TestID: "GLU", State: domain.AlertOpen,
		Deadline: now.Add(-time.Minute), NotificationCount: 1,
	})
	require.NoError(t, err)
	_, _, err = f.store.CreateAlert(ctx, &domain.CriticalValueAlert{
		AlertID: "a-future", ResultID: "r2", TestID: "GLU", State: domain.AlertOpen,
		Deadline: now.Add(10 * time.Minute), NotificationCount: 1,
	})
	require.NoError(t, err)

	require.NoError(t, f.eval.Start(ctx))
	defer f.eval.Stop()

	late, err := f.store.GetAlert(ctx, "a-late")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertEscalated, late.State)

	assert.Equal(t, 1, f.eval.Scheduler().Pending())
	assert.Equal(t, 10*time.Minute, f.timers.last().d)
}

func TestEvaluate_DeltaCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prev := f.result(t, "HGB", 100)

	f.clock.Add(24 * time.Hour)
	res := f.result(t, "HGB", 160)
	out, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	require.NotNil(t, out.Delta)
	assert.Equal(t, prev.ResultID, out.Delta.PreviousResultID)
	assert.InDelta(t, 60.0, out.Delta.DeltaPercent, 1e-9)
	assert.True(t, res.CriticalDelta)
	assert.Equal(t, 1, f.events.count(notify.EventDeltaFlagged))

	require.NoError(t, f.eval.AcknowledgeDelta(ctx, out.Delta.DeltaID, "tech.zhao"))
	d, err := f.store.GetDelta(ctx, out.Delta.DeltaID)
	require.NoError(t, err)
	assert.Equal(t, "tech.zhao", d.AcknowledgedBy)

	// 超出回溯窗口不再比较
	f.clock.Add(72 * time.Hour)
	out, err = f.eval.Evaluate(ctx, f.result(t, "HGB", 40), item())
	require.NoError(t, err)
	assert.Nil(t, out.Delta)
}

func TestEvaluate_NonNumeric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := &domain.ResolvedResult{ResultID: "r", TestID: "GLU", RawValue: "POS", SampleID: "S1", TestCode: "GLU"}
	require.NoError(t, f.store.CreateResult(ctx, res))

	out, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagNone, out.Flag)

	stored, err := f.store.GetResult(ctx, "r")
	require.NoError(t, err)
	assert.True(t, stored.Evaluated())
}

func TestEvaluate_RepeatReusesDeltaCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eval.Evaluate(ctx, f.result(t, "HGB", 100), item())
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	res := f.result(t, "HGB", 40)
	first, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	require.NotNil(t, first.Delta)

	again, err := f.eval.Evaluate(ctx, res, item())
	require.NoError(t, err)
	require.NotNil(t, again.Delta)
	assert.Equal(t, first.Delta.DeltaID, again.Delta.DeltaID)

	deltas, err := f.store.ListDeltasByResult(ctx, res.ResultID)
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}
