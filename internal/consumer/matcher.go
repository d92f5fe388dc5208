package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/approval"
	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/evaluator"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/qc"
	"wisefido-lis/internal/repository"
)

// Outcome 单个解析结果的去向
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeQC        Outcome = "qc"
	OutcomeDuplicate Outcome = "duplicate"
)

// qcRunNamespace 质控 RunID 由来源键派生，重放时不会重复记录
var qcRunNamespace = uuid.MustParse("6f1c8a52-3d0e-4c55-9a43-2b7f0e6d1c9a")

// Matcher 将 ParsedResult 匹配到医嘱项目，或转入未匹配队列 / 质控引擎
type Matcher struct {
	catalog   *catalog.Store
	items     repository.OrderItemRepository
	results   repository.ResultRepository
	unmapped  repository.UnmappedRepository
	machine   *approval.Machine
	evaluator *evaluator.Evaluator
	qc        *qc.Engine
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

// NewMatcher 创建匹配器
func NewMatcher(
	cat *catalog.Store,
	items repository.OrderItemRepository,
	results repository.ResultRepository,
	unmapped repository.UnmappedRepository,
	machine *approval.Machine,
	eval *evaluator.Evaluator,
	qcEngine *qc.Engine,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Matcher {
	return &Matcher{
		catalog:   cat,
		items:     items,
		results:   results,
		unmapped:  unmapped,
		machine:   machine,
		evaluator: eval,
		qc:        qcEngine,
		metrics:   m,
		now:       time.Now,
		logger:    logger,
	}
}

// Source 结果来源：仪器 + 帧序号
type Source struct {
	AnalyzerID string
	Sequence   int64
	ReceivedAt time.Time
}

// Ingest 处理一个解析结果；返回 error 仅表示存储等基础设施故障
func (m *Matcher) Ingest(ctx context.Context, src Source, pr domain.ParsedResult) (Outcome, error) {
	log := m.logger.With(
		zap.String("analyzer_id", src.AnalyzerID),
		zap.Int64("sequence", src.Sequence),
		zap.String("sample_id", pr.SampleID),
		zap.String("test_code", pr.TestCode),
	)

	mapping, ok := m.catalog.Snapshot().Mapping(src.AnalyzerID, pr.TestCode)
	if !ok {
		return m.park(ctx, src, pr, domain.ReasonUnknownTestCode, "no active mapping for local code", log)
	}
	if pr.IsQC {
		return m.recordQC(ctx, src, pr, mapping, log)
	}

	if existing, err := m.results.FindBySource(ctx, src.AnalyzerID, src.Sequence, pr.SampleID, pr.TestCode); err == nil {
		log.Debug("Result already ingested")
		if !existing.Evaluated() && !existing.Superseded {
			// 上次关联后评估失败，补做评估
			if err := m.evaluate(ctx, existing); err != nil {
				return "", err
			}
			log.Info("Pending evaluation completed", zap.String("result_id", existing.ResultID))
		}
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	parked, err := m.unmapped.ExistsSource(ctx, src.AnalyzerID, src.Sequence, pr.SampleID, pr.TestCode)
	if err != nil {
		return "", err
	}
	if parked {
		log.Debug("Result already parked as unmapped")
		return OutcomeDuplicate, nil
	}

	open, err := m.items.ListOpenForResult(ctx, pr.SampleID, mapping.TestID)
	if err != nil {
		return "", err
	}
	switch len(open) {
	case 0:
		dup, err := m.isRetransmission(ctx, pr, mapping.TestID)
		if err != nil {
			return "", err
		}
		if dup {
			log.Info("Identical retransmission dropped")
			return OutcomeDuplicate, nil
		}
		return m.park(ctx, src, pr, domain.ReasonNoOpenOrder, "no order awaiting result for "+mapping.TestID, log)
	case 1:
	default:
		ids := make([]string, 0, len(open))
		for _, o := range open {
			ids = append(ids, o.OrderItemID)
		}
		return m.park(ctx, src, pr, domain.ReasonAmbiguousOrder, "candidates: "+strings.Join(ids, ","), log)
	}

	res, err := m.attach(ctx, open[0].OrderItemID, src, pr, mapping, "")
	if errors.Is(err, domain.ErrInvalidTransition) {
		// 其他仪器抢先出了结果
		return m.park(ctx, src, pr, domain.ReasonNoOpenOrder, err.Error(), log)
	}
	if err != nil {
		return "", err
	}
	m.metrics.ResultResolved(src.AnalyzerID)
	if err := m.evaluate(ctx, res); err != nil {
		return "", err
	}
	log.Info("Result matched",
		zap.String("result_id", res.ResultID),
		zap.String("order_item_id", res.OrderItemID),
		zap.String("flag", string(res.Flag)),
	)
	return OutcomeResolved, nil
}

// isRetransmission 同一项目的当前结果与本次读数完全相同
func (m *Matcher) isRetransmission(ctx context.Context, pr domain.ParsedResult, testID string) (bool, error) {
	items, err := m.items.ListBySample(ctx, pr.SampleID, testID)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.ResultID == "" {
			continue
		}
		cur, err := m.results.GetResult(ctx, it.ResultID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if cur.TestCode == pr.TestCode && cur.SameReading(pr) {
			return true, nil
		}
	}
	return false, nil
}

// attach 生成结果并推进医嘱项目
func (m *Matcher) attach(
	ctx context.Context,
	itemID string,
	src Source,
	pr domain.ParsedResult,
	mapping domain.TestMapping,
	resolvedBy string,
) (*domain.ResolvedResult, error) {
	_, res, err := m.machine.AttachResult(ctx, itemID, func(item domain.OrderItem) (*domain.ResolvedResult, error) {
		res := &domain.ResolvedResult{
			ResultID:        uuid.New().String(),
			AnalyzerID:      src.AnalyzerID,
			OrderItemID:     item.OrderItemID,
			TestID:          item.TestID,
			TestCode:        pr.TestCode,
			SampleID:        pr.SampleID,
			PatientID:       item.PatientID,
			RawValue:        pr.RawValue,
			Unit:            firstNonEmpty(mapping.Unit, pr.Unit),
			InstrumentFlags: pr.InstrumentFlags,
			Sequence:        src.Sequence,
			InstrumentTime:  pr.InstrumentTime,
			ReceivedAt:      src.ReceivedAt,
			ResolvedBy:      resolvedBy,
		}
		if v, ok := pr.NumericValue(); ok {
			v *= mapping.Factor()
			res.Value = &v
		}
		if err := m.results.CreateResult(ctx, res); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// evaluate 对已关联结果做参考范围、危急值与差值评估
func (m *Matcher) evaluate(ctx context.Context, res *domain.ResolvedResult) error {
	item, err := m.items.GetOrderItem(ctx, res.OrderItemID)
	if err != nil {
		return fmt.Errorf("evaluate result %s: %w", res.ResultID, err)
	}
	if _, err := m.evaluator.Evaluate(ctx, res, *item); err != nil {
		return fmt.Errorf("evaluate result %s: %w", res.ResultID, err)
	}
	return nil
}

func (m *Matcher) recordQC(ctx context.Context, src Source, pr domain.ParsedResult, mapping domain.TestMapping, log *zap.Logger) (Outcome, error) {
	v, ok := pr.NumericValue()
	if !ok {
		return m.park(ctx, src, pr, domain.ReasonNonNumericQC, "qc value "+strconv.Quote(pr.RawValue), log)
	}
	runID := uuid.NewSHA1(qcRunNamespace, []byte(strings.Join([]string{
		src.AnalyzerID, strconv.FormatInt(src.Sequence, 10), pr.SampleID, pr.TestCode,
	}, "|"))).String()
	if _, err := m.qc.GetRun(ctx, runID); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	at := src.ReceivedAt
	if pr.InstrumentTime != nil {
		at = *pr.InstrumentTime
	}
	level := firstNonEmpty(pr.QCLevel, pr.SampleID)
	if _, err := m.qc.Record(ctx, qc.Input{
		RunID:      runID,
		AnalyzerID: src.AnalyzerID,
		TestID:     mapping.TestID,
		Level:      level,
		Lot:        pr.QCLot,
		Value:      v * mapping.Factor(),
		RunAt:      at,
	}); err != nil {
		return "", err
	}
	return OutcomeQC, nil
}

// park 写入未匹配队列，等待人工处理
func (m *Matcher) park(ctx context.Context, src Source, pr domain.ParsedResult, reason domain.UnmappedReason, detail string, log *zap.Logger) (Outcome, error) {
	exists, err := m.unmapped.ExistsSource(ctx, src.AnalyzerID, src.Sequence, pr.SampleID, pr.TestCode)
	if err != nil {
		return "", err
	}
	if exists {
		return OutcomeDuplicate, nil
	}
	u := &domain.UnmappedResult{
		UnmappedID: uuid.New().String(),
		AnalyzerID: src.AnalyzerID,
		Sequence:   src.Sequence,
		Result:     pr,
		Reason:     reason,
		Detail:     detail,
		Status:     domain.UnmappedOpen,
		ReceivedAt: src.ReceivedAt,
		CreatedAt:  m.now(),
	}
	if err := m.unmapped.CreateUnmapped(ctx, u); err != nil {
		return "", err
	}
	m.metrics.ResultUnmapped(src.AnalyzerID, string(reason))
	log.Warn("Result parked as unmapped",
		zap.String("unmapped_id", u.UnmappedID),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
	)
	return OutcomeUnmapped, nil
}

// ResolveUnmapped 人工将未匹配结果关联到医嘱项目
//
// 对同一医嘱项目重复调用会补做未完成的评估并返回已有结果。
func (m *Matcher) ResolveUnmapped(ctx context.Context, unmappedID, orderItemID, user string) (*domain.ResolvedResult, error) {
	if user == "" {
		return nil, fmt.Errorf("resolving user is required: %w", domain.ErrInvalidArgument)
	}
	u, err := m.unmapped.GetUnmapped(ctx, unmappedID)
	if err != nil {
		return nil, err
	}
	switch {
	case u.Status == domain.UnmappedOpen:
	case u.Status == domain.UnmappedResolved && u.ResolvedOrderItemID == orderItemID:
	default:
		return nil, fmt.Errorf("unmapped result %s is %s: %w", unmappedID, u.Status, domain.ErrInvalidTransition)
	}
	if u.Result.IsQC {
		return nil, fmt.Errorf("unmapped result %s is a qc record: %w", unmappedID, domain.ErrInvalidArgument)
	}
	item, err := m.items.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return nil, err
	}
	mapping, ok := m.catalog.Snapshot().Mapping(u.AnalyzerID, u.Result.TestCode)
	if ok && mapping.TestID != item.TestID {
		return nil, fmt.Errorf("code %s maps to %s, order item is %s: %w",
			u.Result.TestCode, mapping.TestID, item.TestID, domain.ErrInvalidArgument)
	}
	if !ok {
		// 未建映射时按操作员选择的项目、系数 1 处理
		mapping = domain.TestMapping{AnalyzerID: u.AnalyzerID, LocalCode: u.Result.TestCode, TestID: item.TestID}
	}

	res, err := m.results.FindBySource(ctx, u.AnalyzerID, u.Sequence, u.Result.SampleID, u.Result.TestCode)
	switch {
	case err == nil:
		if res.OrderItemID != orderItemID {
			return nil, fmt.Errorf("unmapped result %s already attached to %s: %w", unmappedID, res.OrderItemID, domain.ErrInvalidTransition)
		}
	case errors.Is(err, domain.ErrNotFound) && u.Status == domain.UnmappedOpen:
		src := Source{AnalyzerID: u.AnalyzerID, Sequence: u.Sequence, ReceivedAt: u.ReceivedAt}
		if res, err = m.attach(ctx, orderItemID, src, u.Result, mapping, user); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if u.Status == domain.UnmappedOpen {
		now := m.now()
		u.Status = domain.UnmappedResolved
		u.ResolvedOrderItemID = orderItemID
		u.ResolvedBy = user
		u.ResolvedAt = &now
		if err := m.unmapped.UpdateUnmapped(ctx, u); err != nil {
			return res, err
		}
		m.metrics.ResultResolved(u.AnalyzerID)
		m.logger.Info("Unmapped result resolved",
			zap.String("unmapped_id", unmappedID),
			zap.String("order_item_id", orderItemID),
			zap.String("result_id", res.ResultID),
			zap.String("user", user),
		)
	}
	if !res.Evaluated() {
		if err := m.evaluate(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// DiscardUnmapped 人工丢弃未匹配结果，需记录原因
func (m *Matcher) DiscardUnmapped(ctx context.Context, unmappedID, user, reason string) error {
	if user == "" || strings.TrimSpace(reason) == "" {
		return fmt.Errorf("discard requires user and reason: %w", domain.ErrInvalidArgument)
	}
	u, err := m.unmapped.GetUnmapped(ctx, unmappedID)
	if err != nil {
		return err
	}
	if u.Status != domain.UnmappedOpen {
		return fmt.Errorf("unmapped result %s is %s: %w", unmappedID, u.Status, domain.ErrInvalidTransition)
	}
	now := m.now()
	u.Status = domain.UnmappedDiscarded
	u.ResolvedBy = user
	u.ResolvedAt = &now
	u.Note = reason
	if err := m.unmapped.UpdateUnmapped(ctx, u); err != nil {
		return err
	}
	m.logger.Warn("Unmapped result discarded",
		zap.String("unmapped_id", unmappedID),
		zap.String("user", user),
		zap.String("reason", reason),
	)
	return nil
}

// ListUnmapped 未匹配结果查询
func (m *Matcher) ListUnmapped(ctx context.Context, filter repository.UnmappedFilter) ([]domain.UnmappedResult, error) {
	return m.unmapped.ListUnmapped(ctx, filter)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
