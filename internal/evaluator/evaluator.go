package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

// DefaultAckTimeout 阈值未配置确认时限时使用
const DefaultAckTimeout = 15 * time.Minute

// Options 评估参数
type Options struct {
	DefaultAckTimeout time.Duration
	DefaultLookback   time.Duration // 差值规则未配置回溯窗口时使用
	Now               func() time.Time
	After             AfterFunc
}

// Outcome 单条结果的评估结果
type Outcome struct {
	Flag         domain.ResultFlag
	Alert        *domain.CriticalValueAlert
	AlertCreated bool
	Delta        *domain.DeltaCheck
}

// Evaluator 参考范围判定、危急值告警与升级、差值检查
type Evaluator struct {
	catalog   *catalog.Store
	results   repository.ResultRepository
	alerts    repository.AlertRepository
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	scheduler *Scheduler
	opts      Options
	logger    *zap.Logger

	baseCtx context.Context
}

// NewEvaluator 创建评估器
func NewEvaluator(
	cat *catalog.Store,
	results repository.ResultRepository,
	alerts repository.AlertRepository,
	notifier notify.Notifier,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Evaluator {
	if opts.DefaultAckTimeout <= 0 {
		opts.DefaultAckTimeout = DefaultAckTimeout
	}
	if opts.DefaultLookback <= 0 {
		opts.DefaultLookback = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Evaluator{
		catalog:   cat,
		results:   results,
		alerts:    alerts,
		notifier:  notifier,
		metrics:   m,
		scheduler: NewScheduler(opts.After),
		opts:      opts,
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// Scheduler 升级定时器
func (e *Evaluator) Scheduler() *Scheduler { return e.scheduler }

// Start 重新加载未确认告警并恢复定时器；已过截止时间的立即升级
func (e *Evaluator) Start(ctx context.Context) error {
	e.baseCtx = ctx
	open, err := e.alerts.ListOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	now := e.opts.Now()
	rearmed, escalated := 0, 0
	for _, a := range open {
		if a.State != domain.AlertOpen {
			continue
		}
		if !a.Deadline.After(now) {
			if err := e.Escalate(ctx, a.AlertID); err != nil {
				e.logger.Error("Failed to escalate overdue alert", zap.String("alert_id", a.AlertID), zap.Error(err))
			}
			escalated++
			continue
		}
		e.arm(a)
		rearmed++
	}
	e.logger.Info("Critical alert timers restored",
		zap.Int("rearmed", rearmed),
		zap.Int("escalated", escalated),
	)
	return nil
}

// Stop 取消全部定时器
func (e *Evaluator) Stop() {
	e.scheduler.Stop()
}

func (e *Evaluator) arm(a domain.CriticalValueAlert) {
	d := a.Deadline.Sub(e.opts.Now())
	if d < 0 {
		d = 0
	}
	alertID := a.AlertID
	e.scheduler.Schedule(alertID, d, func() {
		if err := e.Escalate(e.baseCtx, alertID); err != nil {
			e.logger.Error("Failed to escalate alert", zap.String("alert_id", alertID), zap.Error(err))
		}
	})
}

// Evaluate 评估一条已匹配结果并记录评估时间；非数值结果只记录空判定
//
// 可重复调用：告警按结果唯一，差值检查沿用已有记录。
func (e *Evaluator) Evaluate(ctx context.Context, res *domain.ResolvedResult, item domain.OrderItem) (*Outcome, error) {
	out := &Outcome{}
	if res.Value == nil {
		if err := e.results.UpdateEvaluation(ctx, res.ResultID, domain.FlagNone, false); err != nil {
			return nil, err
		}
		e.markEvaluated(res)
		return out, nil
	}
	v := *res.Value
	snap := e.catalog.Snapshot()
	observed := res.ObservedAt()
	age := item.AgeDays(observed)

	if rr, ok := snap.ReferenceRange(res.TestID, item.PatientSex, age); ok {
		out.Flag = rangeFlag(rr, v)
	}

	if th, ok := snap.Threshold(res.TestID, item.PatientSex, age); ok {
		if kind, limit, breached := classify(th, v); breached {
			if kind == domain.ThresholdCriticalHigh || kind == domain.ThresholdPanicHigh {
				out.Flag = domain.FlagCriticalHigh
			} else {
				out.Flag = domain.FlagCriticalLow
			}
			alert, created, err := e.raise(ctx, res, th, kind, limit)
			if err != nil {
				return nil, err
			}
			out.Alert, out.AlertCreated = alert, created
		}
	}

	delta, err := e.deltaCheck(ctx, res, v, observed)
	if err != nil {
		return nil, err
	}
	out.Delta = delta
	res.Flag = out.Flag
	res.CriticalDelta = delta != nil

	if err := e.results.UpdateEvaluation(ctx, res.ResultID, res.Flag, res.CriticalDelta); err != nil {
		return nil, err
	}
	e.markEvaluated(res)
	return out, nil
}

func (e *Evaluator) markEvaluated(res *domain.ResolvedResult) {
	now := e.opts.Now()
	res.EvaluatedAt = &now
}

func rangeFlag(rr domain.ReferenceRange, v float64) domain.ResultFlag {
	switch {
	case rr.Low != nil && v < *rr.Low:
		return domain.FlagLow
	case rr.High != nil && v > *rr.High:
		return domain.FlagHigh
	default:
		return domain.FlagNormal
	}
}

// classify 危急值判定，边界值视为超限；panic 优先于 critical
func classify(th domain.CriticalThreshold, v float64) (domain.ThresholdKind, float64, bool) {
	switch {
	case th.PanicHigh != nil && v >= *th.PanicHigh:
		return domain.ThresholdPanicHigh, *th.PanicHigh, true
	case th.PanicLow != nil && v <= *th.PanicLow:
		return domain.ThresholdPanicLow, *th.PanicLow, true
	case th.CriticalHigh != nil && v >= *th.CriticalHigh:
		return domain.ThresholdCriticalHigh, *th.CriticalHigh, true
	case th.CriticalLow != nil && v <= *th.CriticalLow:
		return domain.ThresholdCriticalLow, *th.CriticalLow, true
	}
	return "", 0, false
}

func (e *Evaluator) raise(ctx context.Context, res *domain.ResolvedResult, th domain.CriticalThreshold, kind domain.ThresholdKind, limit float64) (*domain.CriticalValueAlert, bool, error) {
	timeout := th.AckTimeout
	if timeout <= 0 {
		timeout = e.opts.DefaultAckTimeout
	}
	now := e.opts.Now()
	alert := &domain.CriticalValueAlert{
		AlertID:           uuid.New().String(),
		ResultID:          res.ResultID,
		OrderItemID:       res.OrderItemID,
		AnalyzerID:        res.AnalyzerID,
		PatientID:         res.PatientID,
		TestID:            res.TestID,
		Value:             *res.Value,
		Threshold:         kind,
		ThresholdValue:    limit,
		Deadline:          now.Add(timeout),
		State:             domain.AlertOpen,
		NotificationCount: 1,
		CreatedAt:         now,
	}
	stored, created, err := e.alerts.CreateAlert(ctx, alert)
	if err != nil {
		return nil, false, err
	}
	if !created {
		if stored.State == domain.AlertOpen {
			e.arm(*stored)
		}
		return stored, false, nil
	}

	e.arm(*stored)
	e.metrics.CriticalAlert(string(kind))
	e.logger.Warn("Critical value alert raised",
		zap.String("alert_id", stored.AlertID),
		zap.String("result_id", res.ResultID),
		zap.String("test_id", res.TestID),
		zap.Float64("value", stored.Value),
		zap.String("threshold", string(kind)),
		zap.Time("deadline", stored.Deadline),
	)
	if err := e.notifier.Notify(ctx, notify.NewEvent(notify.EventCriticalAlert, res.AnalyzerID, stored)); err != nil {
		e.logger.Warn("Critical alert notification failed", zap.String("alert_id", stored.AlertID), zap.Error(err))
	}
	return stored, true, nil
}

func (e *Evaluator) deltaCheck(ctx context.Context, res *domain.ResolvedResult, v float64, observed time.Time) (*domain.DeltaCheck, error) {
	rule, ok := e.catalog.Snapshot().DeltaRule(res.TestID)
	if !ok || rule.MaxDeltaPercent <= 0 {
		return nil, nil
	}
	// 评估重试时沿用已记录的差值检查
	existing, err := e.alerts.ListDeltasByResult(ctx, res.ResultID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	lookback := rule.Lookback
	if lookback <= 0 {
		lookback = e.opts.DefaultLookback
	}
	prev, err := e.results.PreviousResult(ctx, res.PatientID, res.TestID, observed.Add(-lookback), observed, res.ResultID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.Value == nil || *prev.Value == 0 {
		return nil, nil
	}
	p := *prev.Value
	pct := math.Abs(v-p) / math.Abs(p) * 100
	if pct <= rule.MaxDeltaPercent {
		return nil, nil
	}

	d := &domain.DeltaCheck{
		DeltaID:          uuid.New().String(),
		ResultID:         res.ResultID,
		PreviousResultID: prev.ResultID,
		OrderItemID:      res.OrderItemID,
		PatientID:        res.PatientID,
		TestID:           res.TestID,
		Value:            v,
		PreviousValue:    p,
		DeltaPercent:     pct,
		LimitPercent:     rule.MaxDeltaPercent,
		CreatedAt:        e.opts.Now(),
	}
	if err := e.alerts.CreateDelta(ctx, d); err != nil {
		return nil, err
	}
	e.logger.Info("Delta check exceeded",
		zap.String("result_id", res.ResultID),
		zap.String("previous_result_id", prev.ResultID),
		zap.Float64("delta_percent", pct),
		zap.Float64("limit_percent", rule.MaxDeltaPercent),
	)
	if err := e.notifier.Notify(ctx, notify.NewEvent(notify.EventDeltaFlagged, res.AnalyzerID, d)); err != nil {
		e.logger.Warn("Delta notification failed", zap.String("delta_id", d.DeltaID), zap.Error(err))
	}
	return d, nil
}

// Escalate Open -> Escalated，只发生一次；其他状态为空操作
func (e *Evaluator) Escalate(ctx context.Context, alertID string) error {
	a, err := e.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if a.State != domain.AlertOpen {
		return nil
	}
	now := e.opts.Now()
	next := *a
	next.State = domain.AlertEscalated
	next.EscalationCount++
	next.EscalatedAt = &now
	next.NotificationCount++
	ok, err := e.alerts.UpdateAlertState(ctx, &next, domain.AlertOpen)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.metrics.AlertEscalated(next.TestID)
	e.logger.Warn("Critical value alert escalated",
		zap.String("alert_id", next.AlertID),
		zap.String("patient_id", next.PatientID),
		zap.String("test_id", next.TestID),
		zap.Time("deadline", next.Deadline),
	)
	if err := e.notifier.Notify(ctx, notify.NewEvent(notify.EventCriticalEscalated, next.AnalyzerID, next)); err != nil {
		e.logger.Warn("Escalation notification failed", zap.String("alert_id", next.AlertID), zap.Error(err))
	}
	return nil
}

// Acknowledge 记录确认：Open -> Acknowledged，Escalated -> EscalatedAcknowledged
func (e *Evaluator) Acknowledge(ctx context.Context, alertID, user string) (*domain.CriticalValueAlert, error) {
	if user == "" {
		return nil, fmt.Errorf("acknowledging user is required: %w", domain.ErrInvalidArgument)
	}
	// 与升级并发时，状态可能在读取后变为 Escalated，重读一次
	for attempt := 0; attempt < 2; attempt++ {
		a, err := e.alerts.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
		var to domain.AlertState
		switch a.State {
		case domain.AlertOpen:
			to = domain.AlertAcknowledged
		case domain.AlertEscalated:
			to = domain.AlertEscalatedAcknowledged
		default:
			return nil, fmt.Errorf("alert %s already %s: %w", alertID, a.State, domain.ErrInvalidTransition)
		}
		now := e.opts.Now()
		next := *a
		next.State = to
		next.AcknowledgedBy = user
		next.AcknowledgedAt = &now
		ok, err := e.alerts.UpdateAlertState(ctx, &next, a.State)
		if err != nil {
			return nil, err
		}
		if ok {
			e.scheduler.Cancel(alertID)
			e.logger.Info("Critical value alert acknowledged",
				zap.String("alert_id", alertID),
				zap.String("user", user),
				zap.String("state", string(to)),
				zap.Duration("after", now.Sub(a.CreatedAt)),
			)
			return &next, nil
		}
	}
	return nil, fmt.Errorf("alert %s changed concurrently: %w", alertID, domain.ErrInvalidTransition)
}

// ListOpenAlerts 未确认告警
func (e *Evaluator) ListOpenAlerts(ctx context.Context) ([]domain.CriticalValueAlert, error) {
	return e.alerts.ListOpenAlerts(ctx)
}

// AcknowledgeDelta 确认差值检查
func (e *Evaluator) AcknowledgeDelta(ctx context.Context, deltaID, user string) error {
	if user == "" {
		return fmt.Errorf("acknowledging user is required: %w", domain.ErrInvalidArgument)
	}
	return e.alerts.AcknowledgeDelta(ctx, deltaID, user)
}

// Unacknowledged 结果上未确认的告警（审核前检查用）
func (e *Evaluator) Unacknowledged(ctx context.Context, resultID string) ([]domain.CriticalValueAlert, error) {
	list, err := e.alerts.ListAlertsByResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	var out []domain.CriticalValueAlert
	for _, a := range list {
		if !a.Acknowledged() {
			out = append(out, a)
		}
	}
	return out, nil
}
