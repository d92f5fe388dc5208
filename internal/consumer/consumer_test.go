package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-lis/internal/approval"
	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/evaluator"
	"wisefido-lis/internal/qc"
	"wisefido-lis/internal/repository"
)

func fp(v float64) *float64 { return &v }

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

// timers 记录升级定时器，不自动触发
type timers struct {
	mu  sync.Mutex
	fns []func()
}

func (t *timers) after(_ time.Duration, f func()) evaluator.Timer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns = append(t.fns, f)
	return idleTimer{}
}

type rig struct {
	store    *repository.MemoryStore
	cat      *catalog.Store
	eval     *evaluator.Evaluator
	machine  *approval.Machine
	matcher  *Matcher
	consumer *FrameConsumer
	now      time.Time
}

// flakyAlerts 前 failures 次写入告警失败
type flakyAlerts struct {
	repository.AlertRepository
	mu       sync.Mutex
	failures int
}

func (f *flakyAlerts) CreateAlert(ctx context.Context, a *domain.CriticalValueAlert) (*domain.CriticalValueAlert, bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, false, errors.New("alert store unavailable")
	}
	f.mu.Unlock()
	return f.AlertRepository.CreateAlert(ctx, a)
}

func failOnce(a repository.AlertRepository) repository.AlertRepository {
	return &flakyAlerts{AlertRepository: a, failures: 1}
}

func newRig(t *testing.T) *rig {
	return newRigWithAlerts(t, nil)
}

// newRigWithAlerts wrap 可替换评估器使用的告警存储
func newRigWithAlerts(t *testing.T, wrap func(repository.AlertRepository) repository.AlertRepository) *rig {
	t.Helper()
	logger := zap.NewNop()
	r := &rig{store: repository.NewMemoryStore(), now: time.Date(2024, 3, 1, 8, 10, 0, 0, time.UTC)}
	r.store.PutAnalyzer(domain.Analyzer{AnalyzerID: "A1", Code: "C311", Protocol: domain.ProtocolASTM1394, IsActive: true})

	r.cat = catalog.NewStore(r.store, logger)
	r.cat.Replace(domain.Catalog{
		Mappings: []domain.TestMapping{
			{AnalyzerID: "A1", LocalCode: "GLU", TestID: "GLUC", ConversionFactor: 1.0, IsActive: true},
			{AnalyzerID: "A1", LocalCode: "CHOL", TestID: "CHOL", IsActive: true},
		},
		Ranges:     []domain.ReferenceRange{{TestID: "GLUC", Low: fp(70), High: fp(110)}},
		Thresholds: []domain.CriticalThreshold{{TestID: "GLUC", CriticalHigh: fp(126)}},
	})

	var alerts repository.AlertRepository = r.store
	if wrap != nil {
		alerts = wrap(alerts)
	}
	tm := &timers{}
	r.eval = evaluator.NewEvaluator(r.cat, r.store, alerts, nil, nil, evaluator.Options{
		Now:   func() time.Time { return r.now },
		After: tm.after,
	}, logger)
	qcEngine, err := qc.NewEngine(r.store, nil, nil, qc.Options{MinSamples: 2}, logger)
	require.NoError(t, err)
	r.machine = approval.NewMachine(r.store, r.store, r.eval, qcEngine, nil, nil, logger)
	r.matcher = NewMatcher(r.cat, r.store, r.store, r.store, r.machine, r.eval, qcEngine, nil, logger)
	r.consumer = r.newConsumer()
	t.Cleanup(func() { r.consumer.Stop() })
	return r
}

func (r *rig) newConsumer() *FrameConsumer {
	return NewFrameConsumer(r.store, r.store, r.matcher, nil, Options{Workers: 2, LaneBuffer: 4, RetryDelay: time.Millisecond}, zap.NewNop())
}

func (r *rig) order(t *testing.T, id, sample, test string) {
	t.Helper()
	require.NoError(t, r.store.CreateOrderItem(context.Background(), &domain.OrderItem{
		OrderItemID: id, OrderID: "O-" + id, PatientID: "P001", PatientSex: domain.SexFemale,
		SampleID: sample, TestID: test, State: domain.StateAwaitingResult,
	}))
}

// message 构造 E1394 记录（CR 分隔）
func message(sample, code, value string) []byte {
	records := []string{
		`H|\^&|||C311^1.0|||||||P|1|20240301080000`,
		`P|1||P001||Doe^Jane`,
		`O|1|` + sample + `||^^^` + code + `|R||||||N`,
		`R|1|^^^` + code + `|` + value + `|mg/dL||N||F||||20240301080500`,
		`L|1|N`,
	}
	return []byte(strings.Join(records, "\r") + "\r")
}

func frame(seq int64, data []byte) domain.RawFrame {
	return domain.RawFrame{AnalyzerID: "A1", SessionID: "s-1", Sequence: seq, ReceivedAt: time.Now(), Data: data}
}

func (r *rig) process(t *testing.T, f domain.RawFrame) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rep, err := r.consumer.Process(ctx, f)
	require.NoError(t, err)
	return rep
}

func TestGlucoseHigh_NoAlert(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")

	rep := r.process(t, frame(1, message("S100", "GLU", "120")))
	assert.Equal(t, 1, rep.Resolved)
	assert.Empty(t, rep.Errors)

	item, err := r.store.GetOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResult, item.State)
	require.NotEmpty(t, item.ResultID)

	res, err := r.store.GetResult(ctx, item.ResultID)
	require.NoError(t, err)
	require.NotNil(t, res.Value)
	assert.Equal(t, 120.0, *res.Value)
	assert.Equal(t, domain.FlagHigh, res.Flag)
	assert.Equal(t, "GLUC", res.TestID)

	open, err := r.eval.ListOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	item, err = r.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreliminaryApproved, item.State)
}

func TestGlucoseCritical_AcknowledgedInTime(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")

	r.process(t, frame(1, message("S100", "GLU", "180")))

	open, err := r.eval.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	alert := open[0]
	assert.Equal(t, domain.AlertOpen, alert.State)
	assert.Equal(t, r.now.Add(15*time.Minute), alert.Deadline)

	_, err = r.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	assert.ErrorIs(t, err, domain.ErrSafetyBlock)

	r.now = r.now.Add(2 * time.Minute)
	acked, err := r.eval.Acknowledge(ctx, alert.AlertID, "dr.li")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.State)
	assert.Equal(t, 0, acked.EscalationCount)

	_, err = r.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	require.NoError(t, err)
}

func TestEvaluationRetriedAfterAlertStoreFailure(t *testing.T) {
	ctx := context.Background()
	r := newRigWithAlerts(t, failOnce)
	r.order(t, "oi-1", "S100", "GLUC")

	rep := r.process(t, frame(1, message("S100", "GLU", "180")))
	assert.Equal(t, 0, rep.Resolved)
	assert.Equal(t, 1, rep.Duplicates)

	open, err := r.eval.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	item, err := r.store.GetOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	stored, err := r.store.GetResult(ctx, item.ResultID)
	require.NoError(t, err)
	assert.True(t, stored.Evaluated())
	assert.Equal(t, domain.FlagCriticalHigh, stored.Flag)

	_, err = r.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	assert.ErrorIs(t, err, domain.ErrSafetyBlock)
}

func TestResolveUnmapped_CompletesEvaluationOnRepeat(t *testing.T) {
	ctx := context.Background()
	r := newRigWithAlerts(t, failOnce)
	r.order(t, "oi-1", "S100", "GLUC")

	rep := r.process(t, frame(1, message("S100", "XGLU", "180")))
	require.Equal(t, 1, rep.Unmapped)
	list, err := r.matcher.ListUnmapped(ctx, repository.UnmappedFilter{Status: domain.UnmappedOpen})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].UnmappedID

	res, err := r.matcher.ResolveUnmapped(ctx, id, "oi-1", "tech.zhao")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Evaluated())

	u, err := r.store.GetUnmapped(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UnmappedResolved, u.Status)
	assert.Equal(t, "oi-1", u.ResolvedOrderItemID)

	_, err = r.machine.ApprovePreliminary(ctx, "oi-1", "tech.zhao")
	assert.ErrorIs(t, err, domain.ErrSafetyBlock)

	again, err := r.matcher.ResolveUnmapped(ctx, id, "oi-1", "tech.zhao")
	require.NoError(t, err)
	assert.Equal(t, res.ResultID, again.ResultID)
	assert.True(t, again.Evaluated())

	open, err := r.eval.Unacknowledged(ctx, res.ResultID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestWatermark_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")
	f := frame(1, message("S100", "GLU", "120"))
	require.NoError(t, r.store.AppendFrame(ctx, f))

	assert.Equal(t, 1, r.process(t, f).Resolved)
	assert.True(t, r.process(t, f).Skipped)

	// 重启后水位仍在，重放不产生新结果
	r.consumer.Stop()
	r.consumer = r.newConsumer()
	require.NoError(t, r.consumer.Start(ctx, []domain.Analyzer{{AnalyzerID: "A1", Protocol: domain.ProtocolASTM1394}}))
	assert.True(t, r.process(t, f).Skipped)

	wm, err := r.consumer.Watermark(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm.Sequence)
}

func TestSameSourceMatchedOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")

	assert.Equal(t, 1, r.process(t, frame(7, message("S100", "GLU", "120"))).Resolved)

	// 水位丢失时同一来源再次匹配，按来源键识别为重复
	pr := domain.ParsedResult{SampleID: "S100", TestCode: "GLU", RawValue: "120"}
	outcome, err := r.matcher.Ingest(ctx, Source{AnalyzerID: "A1", Sequence: 7, ReceivedAt: time.Now()}, pr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	list, err := r.matcher.ListUnmapped(ctx, repository.UnmappedFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStart_ReplaysJournal(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")
	r.order(t, "oi-2", "S101", "GLUC")
	require.NoError(t, r.store.AppendFrame(ctx, frame(1, message("S100", "GLU", "95"))))
	require.NoError(t, r.store.AppendFrame(ctx, frame(2, message("S101", "GLU", "100"))))

	require.NoError(t, r.consumer.Start(ctx, []domain.Analyzer{{AnalyzerID: "A1", Protocol: domain.ProtocolASTM1394}}))

	require.Eventually(t, func() bool {
		wm, err := r.consumer.Watermark(ctx, "A1")
		return err == nil && wm.Sequence == 2
	}, 3*time.Second, 10*time.Millisecond)

	for _, id := range []string{"oi-1", "oi-2"} {
		item, err := r.store.GetOrderItem(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, item.ResultID, id)
	}
}

func TestRemainderCarriedAcrossFrames(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")
	msg := message("S100", "GLU", "120")
	cut := len(msg) / 2

	first := r.process(t, frame(1, msg[:cut]))
	assert.Equal(t, 0, first.Resolved)
	wm, err := r.consumer.Watermark(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, msg[:cut], wm.Remainder)

	second := r.process(t, frame(2, msg[cut:]))
	assert.Equal(t, 1, second.Resolved)
	wm, err = r.consumer.Watermark(ctx, "A1")
	require.NoError(t, err)
	assert.Empty(t, wm.Remainder)
}

func TestRetransmissionDropped(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")

	r.process(t, frame(1, message("S100", "GLU", "120")))
	rep := r.process(t, frame(2, message("S100", "GLU", "120")))
	assert.Equal(t, 1, rep.Duplicates)

	list, err := r.matcher.ListUnmapped(ctx, repository.UnmappedFilter{AnalyzerID: "A1"})
	require.NoError(t, err)
	assert.Empty(t, list)

	// 读数不同则不是重传，进入未匹配队列
	rep = r.process(t, frame(3, message("S100", "GLU", "121")))
	assert.Equal(t, 1, rep.Unmapped)
}

func TestUnmapped_ResolveAndDiscard(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")

	rep := r.process(t, frame(1, message("S100", "XGLU", "99")))
	assert.Equal(t, 1, rep.Unmapped)
	rep = r.process(t, frame(2, message("S999", "GLU", "88")))
	assert.Equal(t, 1, rep.Unmapped)

	list, err := r.matcher.ListUnmapped(ctx, repository.UnmappedFilter{AnalyzerID: "A1", Status: domain.UnmappedOpen})
	require.NoError(t, err)
	require.Len(t, list, 2)
	byReason := map[domain.UnmappedReason]domain.UnmappedResult{}
	for _, u := range list {
		byReason[u.Reason] = u
	}
	unknown := byReason[domain.ReasonUnknownTestCode]
	noOrder := byReason[domain.ReasonNoOpenOrder]
	require.NotEmpty(t, unknown.UnmappedID)
	require.NotEmpty(t, noOrder.UnmappedID)

	_, err = r.matcher.ResolveUnmapped(ctx, unknown.UnmappedID, "oi-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	res, err := r.matcher.ResolveUnmapped(ctx, unknown.UnmappedID, "oi-1", "tech.zhao")
	require.NoError(t, err)
	assert.Equal(t, "tech.zhao", res.ResolvedBy)
	assert.Equal(t, domain.FlagNormal, res.Flag)

	item, err := r.store.GetOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, res.ResultID, item.ResultID)

	again, err := r.matcher.ResolveUnmapped(ctx, unknown.UnmappedID, "oi-1", "tech.zhao")
	require.NoError(t, err)
	assert.Equal(t, res.ResultID, again.ResultID)
	_, err = r.matcher.ResolveUnmapped(ctx, unknown.UnmappedID, "oi-2", "tech.zhao")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.ErrorIs(t, r.matcher.DiscardUnmapped(ctx, noOrder.UnmappedID, "tech.zhao", ""), domain.ErrInvalidArgument)
	require.NoError(t, r.matcher.DiscardUnmapped(ctx, noOrder.UnmappedID, "tech.zhao", "wrong rack"))

	open, err := r.matcher.ListUnmapped(ctx, repository.UnmappedFilter{Status: domain.UnmappedOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAmbiguousOrder(t *testing.T) {
	r := newRig(t)
	r.order(t, "oi-1", "S100", "GLUC")
	r.order(t, "oi-2", "S100", "GLUC")

	rep := r.process(t, frame(1, message("S100", "GLU", "100")))
	assert.Equal(t, 1, rep.Unmapped)
	list, err := r.matcher.ListUnmapped(context.Background(), repository.UnmappedFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonAmbiguousOrder, list[0].Reason)
	assert.Contains(t, list[0].Detail, "oi-1")
}

func TestQCRecordRoutedToEngine(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	qcMsg := []byte(strings.Join([]string{
		`H|\^&`,
		`O|1|QC^L1^LOT42||^^^GLU`,
		`R|1|^^^GLU|98.5|mg/dL`,
		`L|1`,
	}, "\r") + "\r")

	rep := r.process(t, frame(1, qcMsg))
	assert.Equal(t, 1, rep.QC)

	runs, err := r.store.ListRunsBetween(ctx, "A1", "GLUC", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "L1", runs[0].Level)
	assert.Equal(t, "LOT42", runs[0].Lot)
	assert.Equal(t, 98.5, runs[0].Value)
	assert.Equal(t, domain.QCInsufficientData, runs[0].Verdict)

	// 同一来源重复处理不会多记一次
	outcome, err := r.matcher.Ingest(ctx, Source{AnalyzerID: "A1", Sequence: 1, ReceivedAt: time.Now()}, domain.ParsedResult{
		SampleID: "QC^L1^LOT42", TestCode: "GLU", RawValue: "98.5", IsQC: true, QCLevel: "L1", QCLot: "LOT42",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}
