package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

type fakeAlerts struct {
	open map[string][]domain.CriticalValueAlert
}

func (f *fakeAlerts) Unacknowledged(_ context.Context, resultID string) ([]domain.CriticalValueAlert, error) {
	return f.open[resultID], nil
}

type fakeGate struct {
	err   error
	calls int
}

func (g *fakeGate) Gate(context.Context, string, string, time.Time) error {
	g.calls++
	return g.err
}

type env struct {
	store   *repository.MemoryStore
	machine *Machine
	alerts  *fakeAlerts
	gate    *fakeGate
	events  []notify.Event
}

func newEnv(t *testing.T, state domain.OrderItemState) *env {
	t.Helper()
	e := &env{
		store:  repository.NewMemoryStore(),
		alerts: &fakeAlerts{open: map[string][]domain.CriticalValueAlert{}},
		gate:   &fakeGate{},
	}
	n := notify.NotifierFunc(func(_ context.Context, ev notify.Event) error {
		e.events = append(e.events, ev)
		return nil
	})
	e.machine = NewMachine(e.store, e.store, e.alerts, e.gate, n, nil, zap.NewNop())
	e.machine.SetClock(func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) })
	require.NoError(t, e.store.CreateOrderItem(context.Background(), &domain.OrderItem{
		OrderItemID: "oi-1", OrderID: "o-1", PatientID: "P1", SampleID: "S100", TestID: "GLUC", State: state,
	}))
	return e
}

func (e *env) attach(t *testing.T, v float64) *domain.ResolvedResult {
	t.Helper()
	res := e.attachPending(t, v)
	require.NoError(t, e.store.UpdateEvaluation(context.Background(), res.ResultID, domain.FlagHigh, false))
	return res
}

// attachPending 结果已关联但尚未评估
func (e *env) attachPending(t *testing.T, v float64) *domain.ResolvedResult {
	t.Helper()
	_, res, err := e.machine.AttachResult(context.Background(), "oi-1", func(item domain.OrderItem) (*domain.ResolvedResult, error) {
		r := &domain.ResolvedResult{
			AnalyzerID: "A1", OrderItemID: item.OrderItemID, TestID: item.TestID, TestCode: "GLU",
			SampleID: item.SampleID, PatientID: item.PatientID, RawValue: "120", Value: &v,
			Sequence: int64(item.RerunCount + 1), ReceivedAt: time.Now(),
		}
		return r, e.store.CreateResult(context.Background(), r)
	})
	require.NoError(t, err)
	return res
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.StateAwaitingSample, domain.StateAwaitingResult))
	assert.True(t, CanTransition(domain.StateFinalApproved, domain.StateRerun))
	assert.False(t, CanTransition(domain.StateFinalApproved, domain.StateCancelled))
	assert.False(t, CanTransition(domain.StateCancelled, domain.StateAwaitingResult))
	assert.False(t, CanTransition(domain.StateAwaitingSample, domain.StatePreliminaryApproved))
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingSample)

	item, err := e.machine.ReceiveSample(ctx, "oi-1", "nurse.wu")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResult, item.State)

	_, err = e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "no result yet")

	res := e.attach(t, 120)
	item, err = e.machine.Get(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResult, item.State)
	assert.Equal(t, res.ResultID, item.ResultID)
	assert.Equal(t, "A1", item.AnalyzerID)

	item, err = e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreliminaryApproved, item.State)

	item, err = e.machine.ApproveFinal(ctx, "oi-1", "dr.li")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinalApproved, item.State)
	assert.Equal(t, 1, e.gate.calls)
	require.Len(t, e.events, 1)
	assert.Equal(t, notify.EventResultAvailable, e.events[0].Type)

	_, err = e.machine.Cancel(ctx, "oi-1", "dr.li", "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	hist, err := e.machine.History(ctx, "oi-1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, domain.StateAwaitingSample, hist[0].From)
	assert.Equal(t, "analyzer:A1", hist[1].UserID)
	assert.Equal(t, res.ResultID, hist[1].ResultID)
	assert.Equal(t, domain.StateFinalApproved, hist[3].To)
	assert.Equal(t, "dr.li", hist[3].UserID)
}

func TestApprove_BlockedByOpenAlert(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)
	res := e.attach(t, 180)
	e.alerts.open[res.ResultID] = []domain.CriticalValueAlert{{AlertID: "al-1", State: domain.AlertEscalated}}

	_, err := e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.ErrorIs(t, err, domain.ErrSafetyBlock)
	assert.Contains(t, err.Error(), "al-1")

	delete(e.alerts.open, res.ResultID)
	_, err = e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)
}

func TestApprove_BlockedUntilEvaluated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)
	res := e.attachPending(t, 180)

	_, err := e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.ErrorIs(t, err, domain.ErrSafetyBlock)
	assert.Contains(t, err.Error(), "not evaluated")

	item, err := e.machine.Get(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResult, item.State)

	require.NoError(t, e.store.UpdateEvaluation(ctx, res.ResultID, domain.FlagCriticalHigh, false))
	_, err = e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)
}

func TestApproveFinal_BlockedByQC(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)
	e.attach(t, 100)
	_, err := e.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)

	e.gate.err = domain.ErrSafetyBlock
	_, err = e.machine.ApproveFinal(ctx, "oi-1", "dr.li")
	assert.ErrorIs(t, err, domain.ErrSafetyBlock)
	assert.Empty(t, e.events)

	item, err := e.machine.Get(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreliminaryApproved, item.State)
}

func TestRerun_SupersedesAndReopens(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)
	first := e.attach(t, 100)

	item, err := e.machine.Rerun(ctx, "oi-1", "tech.zhao", "hemolysed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRerun, item.State)
	assert.Empty(t, item.ResultID)
	assert.Equal(t, 1, item.RerunCount)

	old, err := e.store.GetResult(ctx, first.ResultID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	second := e.attach(t, 101)
	item, err = e.machine.Get(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResult, item.State)
	assert.Equal(t, second.ResultID, item.ResultID)
}

func TestAttachResult_NotOpen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)
	e.attach(t, 100)

	called := false
	_, _, err := e.machine.AttachResult(ctx, "oi-1", func(domain.OrderItem) (*domain.ResolvedResult, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.False(t, called)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingResult)

	_, err := e.machine.Reject(ctx, "oi-1", "tech.zhao", "clotted")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	res := e.attach(t, 100)
	_, err = e.machine.Reject(ctx, "oi-1", "tech.zhao", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	item, err := e.machine.Reject(ctx, "oi-1", "tech.zhao", "clotted")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRerun, item.State)

	old, err := e.store.GetResult(ctx, res.ResultID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	hist, err := e.machine.History(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, "rejected: clotted", hist[len(hist)-1].Reason)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, domain.StateAwaitingSample)

	_, err := e.machine.Cancel(ctx, "oi-1", "", "dup")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	item, err := e.machine.Cancel(ctx, "oi-1", "nurse.wu", "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, item.State)

	_, err = e.machine.ReceiveSample(ctx, "oi-1", "nurse.wu")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
