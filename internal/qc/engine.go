package qc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

// Options 质控参数
type Options struct {
	Rules          []string // 判定顺序
	Warn12s        bool     // 1-2s 只告警不拒收
	MinSamples     int
	Window         int
	RequireDailyQC bool // 终审前当天必须有通过（或已覆盖）的质控
	Now            func() time.Time
}

// Input 一次质控测定
type Input struct {
	RunID      string // 为空时生成
	AnalyzerID string
	TestID     string
	Level      string
	Lot        string
	Value      float64
	RunAt      time.Time // 为零时取当前时间
}

// Engine 质控判定、覆盖与终审门禁
type Engine struct {
	repo     repository.QCRepository
	notifier notify.Notifier
	metrics  *metrics.Metrics
	rules    []Rule
	warn     *Rule
	opts     Options
	logger   *zap.Logger
}

// NewEngine 创建质控引擎，规则名无法识别时返回错误
func NewEngine(repo repository.QCRepository, notifier notify.Notifier, m *metrics.Metrics, opts Options, logger *zap.Logger) (*Engine, error) {
	rules, err := ParseRules(opts.Rules)
	if err != nil {
		return nil, err
	}
	if opts.MinSamples < 2 {
		opts.MinSamples = 20
	}
	if opts.Window <= 0 {
		opts.Window = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	e := &Engine{
		repo:     repo,
		notifier: notifier,
		metrics:  m,
		rules:    rules,
		opts:     opts,
		logger:   logger,
	}
	if opts.Warn12s {
		w := ruleSet[Rule12s]
		e.warn = &w
	}
	return e, nil
}

// RunQC 记录一次质控测定并给出判定
func (e *Engine) RunQC(ctx context.Context, analyzerID, testID, level, lot string, value float64) (*domain.QCRun, error) {
	return e.Record(ctx, Input{
		AnalyzerID: analyzerID,
		TestID:     testID,
		Level:      level,
		Lot:        lot,
		Value:      value,
	})
}

// Record 同 RunQC，可指定测定时间（仪器时间）
func (e *Engine) Record(ctx context.Context, in Input) (*domain.QCRun, error) {
	if in.AnalyzerID == "" || in.TestID == "" {
		return nil, fmt.Errorf("qc run requires analyzer and test: %w", domain.ErrInvalidArgument)
	}
	if in.RunAt.IsZero() {
		in.RunAt = e.opts.Now()
	}
	if in.RunID == "" {
		in.RunID = uuid.New().String()
	}
	run := &domain.QCRun{
		RunID:      in.RunID,
		AnalyzerID: in.AnalyzerID,
		TestID:     in.TestID,
		Level:      in.Level,
		Lot:        in.Lot,
		Value:      in.Value,
		RunAt:      in.RunAt,
	}

	history, err := e.repo.ListSeries(ctx, run.Key(), in.RunAt, e.opts.Window)
	if err != nil {
		return nil, err
	}
	e.judge(run, history)

	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.metrics.QCVerdict(run.AnalyzerID, string(run.Verdict))

	fields := []zap.Field{
		zap.String("run_id", run.RunID),
		zap.String("analyzer_id", run.AnalyzerID),
		zap.String("test_id", run.TestID),
		zap.String("level", run.Level),
		zap.String("lot", run.Lot),
		zap.Float64("value", run.Value),
		zap.Float64("z", run.ZScore),
		zap.String("verdict", string(run.Verdict)),
	}
	switch run.Verdict {
	case domain.QCReject:
		e.logger.Warn("QC run rejected", append(fields, zap.Strings("violations", run.Violations))...)
		if err := e.notifier.Notify(ctx, notify.NewEvent(notify.EventQCRejected, run.AnalyzerID, run)); err != nil {
			e.logger.Warn("QC reject notification failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
	case domain.QCInsufficientData:
		e.logger.Info("QC run recorded without enough history", append(fields, zap.Int("n", run.N))...)
	default:
		e.logger.Debug("QC run accepted", fields...)
	}
	return run, nil
}

// GetRun 查询质控测定
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.QCRun, error) {
	return e.repo.GetRun(ctx, runID)
}

// judge 以历史中未拒收的点为基准计算统计量，再按规则顺序判定
func (e *Engine) judge(run *domain.QCRun, history []domain.QCRun) {
	stats := Describe(baseline(history))
	run.N, run.Mean, run.SD, run.CV = stats.N, stats.Mean, stats.SD, stats.CV

	if stats.N < e.opts.MinSamples || stats.SD == 0 {
		run.Verdict = domain.QCInsufficientData
		return
	}
	run.ZScore = stats.Z(run.Value)

	zs := make([]float64, 0, len(history)+1)
	for _, h := range history {
		zs = append(zs, stats.Z(h.Value))
	}
	zs = append(zs, run.ZScore)

	run.Violations = evaluate(e.rules, zs)
	if e.warn != nil && e.warn.Check(zs) {
		run.Warnings = []string{e.warn.Name}
	}
	if len(run.Violations) > 0 {
		run.Verdict = domain.QCReject
		run.RejectReason = run.Violations[0]
		return
	}
	run.Verdict = domain.QCAccept
}

func baseline(history []domain.QCRun) []float64 {
	values := make([]float64, 0, len(history))
	for _, h := range history {
		if h.Verdict == domain.QCReject && h.OverriddenBy == "" {
			continue
		}
		values = append(values, h.Value)
	}
	return values
}

// Override 人工覆盖未通过的质控（拒收或数据不足）
func (e *Engine) Override(ctx context.Context, runID, user, reason string) (*domain.QCRun, error) {
	if user == "" || strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("override requires user and reason: %w", domain.ErrInvalidArgument)
	}
	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Verdict == domain.QCAccept {
		return nil, fmt.Errorf("qc run %s was accepted: %w", runID, domain.ErrInvalidTransition)
	}
	now := e.opts.Now()
	if err := e.repo.Override(ctx, runID, user, reason, now); err != nil {
		return nil, err
	}
	run.OverriddenBy = user
	run.OverrideReason = reason
	run.OverriddenAt = &now
	e.logger.Warn("QC run overridden",
		zap.String("run_id", runID),
		zap.String("analyzer_id", run.AnalyzerID),
		zap.String("test_id", run.TestID),
		zap.String("verdict", string(run.Verdict)),
		zap.String("user", user),
		zap.String("reason", reason),
	)
	return run, nil
}

// Status 某仪器某项目某天的质控汇总
type Status struct {
	AnalyzerID string         `json:"analyzer_id"`
	TestID     string         `json:"test_id"`
	Day        time.Time      `json:"day"`
	Runs       []domain.QCRun `json:"runs"`
	Accepted   int            `json:"accepted"`
	Rejected   int            `json:"rejected"`
	Overridden int            `json:"overridden"`
	Releasable bool           `json:"releasable"`
	Blocking   []string       `json:"blocking,omitempty"` // 阻止终审的质控 RunID
}

// QCStatus 汇总某天的质控
func (e *Engine) QCStatus(ctx context.Context, analyzerID, testID string, day time.Time) (*Status, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	runs, err := e.repo.ListRunsBetween(ctx, analyzerID, testID, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	st := &Status{AnalyzerID: analyzerID, TestID: testID, Day: from, Runs: runs}
	// 数据不足的测定既不放行也不阻止
	for _, r := range runs {
		if r.OverriddenBy != "" {
			st.Overridden++
		}
		switch r.Verdict {
		case domain.QCAccept:
			st.Accepted++
		case domain.QCReject:
			st.Rejected++
			if r.OverriddenBy == "" {
				st.Blocking = append(st.Blocking, r.RunID)
			}
		}
	}
	st.Releasable = len(st.Blocking) == 0 && (!e.opts.RequireDailyQC || st.Accepted+st.Overridden > 0)
	return st, nil
}

// Gate 终审门禁：当天质控未通过或存在未覆盖的拒收时返回 ErrSafetyBlock
func (e *Engine) Gate(ctx context.Context, analyzerID, testID string, at time.Time) error {
	st, err := e.QCStatus(ctx, analyzerID, testID, at)
	if err != nil {
		return err
	}
	if st.Releasable {
		return nil
	}
	if len(st.Blocking) > 0 {
		return fmt.Errorf("qc rejected for %s/%s (runs %s): %w",
			analyzerID, testID, strings.Join(st.Blocking, ","), domain.ErrSafetyBlock)
	}
	return fmt.Errorf("no accepted qc for %s/%s on %s: %w",
		analyzerID, testID, st.Day.Format("2006-01-02"), domain.ErrSafetyBlock)
}
