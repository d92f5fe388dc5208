package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/lock"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

// transitions 允许的状态迁移
var transitions = map[domain.OrderItemState][]domain.OrderItemState{
	domain.StateAwaitingSample:      {domain.StateAwaitingResult, domain.StateCancelled},
	domain.StateAwaitingResult:      {domain.StateAwaitingResult, domain.StatePreliminaryApproved, domain.StateCancelled, domain.StateRerun},
	domain.StateRerun:               {domain.StateAwaitingResult, domain.StateCancelled},
	domain.StatePreliminaryApproved: {domain.StateFinalApproved, domain.StateCancelled, domain.StateRerun},
	domain.StateFinalApproved:       {domain.StateRerun},
}

// CanTransition 是否允许 from -> to
func CanTransition(from, to domain.OrderItemState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AlertChecker 查询结果上未确认的危急值告警
type AlertChecker interface {
	Unacknowledged(ctx context.Context, resultID string) ([]domain.CriticalValueAlert, error)
}

// QCGate 终审前的质控检查
type QCGate interface {
	Gate(ctx context.Context, analyzerID, testID string, at time.Time) error
}

// ResultAvailable 终审后发给报告端的事件内容
type ResultAvailable struct {
	Item   domain.OrderItem       `json:"item"`
	Result *domain.ResolvedResult `json:"result"`
}

// Machine 医嘱项目状态机，同一项目的迁移串行执行
type Machine struct {
	items    repository.OrderItemRepository
	results  repository.ResultRepository
	alerts   AlertChecker
	qc       QCGate
	notifier notify.Notifier
	locks    *lock.KeyedMutex
	now      func() time.Time
	logger   *zap.Logger
}

// NewMachine 创建状态机；locks 与结果匹配共用
func NewMachine(
	items repository.OrderItemRepository,
	results repository.ResultRepository,
	alerts AlertChecker,
	qc QCGate,
	notifier notify.Notifier,
	locks *lock.KeyedMutex,
	logger *zap.Logger,
) *Machine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	return &Machine{
		items:    items,
		results:  results,
		alerts:   alerts,
		qc:       qc,
		notifier: notifier,
		locks:    locks,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock 替换时钟（测试用）
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Get 查询医嘱项目
func (m *Machine) Get(ctx context.Context, itemID string) (*domain.OrderItem, error) {
	return m.items.GetOrderItem(ctx, itemID)
}

// History 状态迁移审计
func (m *Machine) History(ctx context.Context, itemID string) ([]domain.StateTransition, error) {
	return m.items.ListTransitions(ctx, itemID)
}

// change 在项目锁内读取、校验、修改并持久化一次迁移
func (m *Machine) change(
	ctx context.Context,
	itemID string,
	to domain.OrderItemState,
	user, reason string,
	check func(item *domain.OrderItem) error,
) (*domain.OrderItem, *domain.StateTransition, error) {
	unlock := m.locks.Lock(itemID)
	defer unlock()

	item, err := m.items.GetOrderItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	from := item.State
	if !CanTransition(from, to) {
		return nil, nil, fmt.Errorf("order item %s: %s -> %s: %w", itemID, from, to, domain.ErrInvalidTransition)
	}
	if check != nil {
		if err := check(item); err != nil {
			return nil, nil, err
		}
	}

	now := m.now()
	next := *item
	next.State = to
	next.UpdatedAt = now
	t := &domain.StateTransition{
		TransitionID: uuid.New().String(),
		OrderItemID:  itemID,
		From:         from,
		To:           to,
		UserID:       user,
		Reason:       reason,
		ResultID:     item.ResultID,
		At:           now,
	}
	if to == domain.StateRerun {
		next.ResultID = ""
		next.RerunCount++
	}
	if err := m.items.ApplyTransition(ctx, &next, t); err != nil {
		return nil, nil, err
	}
	m.logger.Info("Order item transition",
		zap.String("order_item_id", itemID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("user", user),
		zap.String("reason", reason),
	)
	return &next, t, nil
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("user is required: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// ReceiveSample 样本签收：AwaitingSample -> AwaitingResult
func (m *Machine) ReceiveSample(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	item, _, err := m.change(ctx, itemID, domain.StateAwaitingResult, user, "sample received", func(item *domain.OrderItem) error {
		if item.State != domain.StateAwaitingSample {
			return fmt.Errorf("order item %s already has its sample: %w", itemID, domain.ErrInvalidTransition)
		}
		return nil
	})
	return item, err
}

// AttachResult 在项目锁内生成并关联结果：项目需处于可接收结果的状态，
// build 负责持久化结果；迁移后项目为 AwaitingResult
func (m *Machine) AttachResult(
	ctx context.Context,
	itemID string,
	build func(item domain.OrderItem) (*domain.ResolvedResult, error),
) (*domain.OrderItem, *domain.ResolvedResult, error) {
	unlock := m.locks.Lock(itemID)
	defer unlock()

	item, err := m.items.GetOrderItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	if !item.OpenForResult() {
		return item, nil, fmt.Errorf("order item %s (%s) not open for results: %w", itemID, item.State, domain.ErrInvalidTransition)
	}
	res, err := build(*item)
	if err != nil {
		return item, nil, err
	}

	now := m.now()
	next := *item
	next.State = domain.StateAwaitingResult
	next.ResultID = res.ResultID
	next.AnalyzerID = res.AnalyzerID
	next.UpdatedAt = now
	t := &domain.StateTransition{
		TransitionID: uuid.New().String(),
		OrderItemID:  itemID,
		From:         item.State,
		To:           next.State,
		UserID:       attachedBy(res),
		Reason:       "result received",
		ResultID:     res.ResultID,
		At:           now,
	}
	if err := m.items.ApplyTransition(ctx, &next, t); err != nil {
		return item, res, err
	}
	m.logger.Info("Result attached to order item",
		zap.String("order_item_id", itemID),
		zap.String("result_id", res.ResultID),
		zap.String("analyzer_id", res.AnalyzerID),
		zap.String("from", string(item.State)),
	)
	return &next, res, nil
}

func attachedBy(res *domain.ResolvedResult) string {
	if res.ResolvedBy != "" {
		return res.ResolvedBy
	}
	return "analyzer:" + res.AnalyzerID
}

// releasable 结果须已完成评估，且危急值告警全部确认
func (m *Machine) releasable(ctx context.Context, item *domain.OrderItem) (*domain.ResolvedResult, error) {
	if item.ResultID == "" {
		return nil, fmt.Errorf("order item %s has no result: %w", item.OrderItemID, domain.ErrInvalidTransition)
	}
	res, err := m.results.GetResult(ctx, item.ResultID)
	if err != nil {
		return nil, err
	}
	if !res.Evaluated() {
		return nil, fmt.Errorf("result %s not evaluated: %w", res.ResultID, domain.ErrSafetyBlock)
	}
	if m.alerts == nil {
		return res, nil
	}
	open, err := m.alerts.Unacknowledged(ctx, item.ResultID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		ids := make([]string, 0, len(open))
		for _, a := range open {
			ids = append(ids, a.AlertID)
		}
		return nil, fmt.Errorf("critical alerts not acknowledged (%s): %w", strings.Join(ids, ","), domain.ErrSafetyBlock)
	}
	return res, nil
}

// ApprovePreliminary 初审（技师）：需有已评估的结果且危急值已确认
func (m *Machine) ApprovePreliminary(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	item, _, err := m.change(ctx, itemID, domain.StatePreliminaryApproved, user, "", func(item *domain.OrderItem) error {
		_, err := m.releasable(ctx, item)
		return err
	})
	return item, err
}

// ApproveFinal 终审（医师）：另需当天该仪器该项目质控通过或已覆盖；成功后发出 result_available
func (m *Machine) ApproveFinal(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	var res *domain.ResolvedResult
	item, _, err := m.change(ctx, itemID, domain.StateFinalApproved, user, "", func(item *domain.OrderItem) error {
		r, err := m.releasable(ctx, item)
		if err != nil {
			return err
		}
		res = r
		if m.qc == nil {
			return nil
		}
		return m.qc.Gate(ctx, r.AnalyzerID, r.TestID, r.ObservedAt())
	})
	if err != nil {
		return nil, err
	}

	ev := notify.NewEvent(notify.EventResultAvailable, res.AnalyzerID, ResultAvailable{Item: *item, Result: res})
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.logger.Error("Result available notification failed",
			zap.String("order_item_id", itemID),
			zap.String("result_id", res.ResultID),
			zap.Error(err),
		)
	}
	return item, nil
}

// Cancel 取消；终审后不允许，只能复查
func (m *Machine) Cancel(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	item, _, err := m.change(ctx, itemID, domain.StateCancelled, user, reason, nil)
	return item, err
}

// Rerun 复查：当前结果标记为已替代（保留审计），项目重新等待结果
func (m *Machine) Rerun(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	item, t, err := m.change(ctx, itemID, domain.StateRerun, user, reason, nil)
	if err != nil {
		return nil, err
	}
	if t.ResultID != "" {
		if err := m.results.MarkSuperseded(ctx, t.ResultID); err != nil {
			return item, fmt.Errorf("failed to supersede result %s: %w", t.ResultID, err)
		}
	}
	return item, nil
}

// Reject 技师在发布前退回结果，需填写原因；效果同复查
func (m *Machine) Reject(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("reject reason is required: %w", domain.ErrInvalidArgument)
	}
	item, t, err := m.change(ctx, itemID, domain.StateRerun, user, "rejected: "+reason, func(item *domain.OrderItem) error {
		if item.State == domain.StateFinalApproved {
			return fmt.Errorf("order item %s already released: %w", itemID, domain.ErrInvalidTransition)
		}
		if item.ResultID == "" {
			return fmt.Errorf("order item %s has no result: %w", itemID, domain.ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.results.MarkSuperseded(ctx, t.ResultID); err != nil {
		return item, fmt.Errorf("failed to supersede result %s: %w", t.ResultID, err)
	}
	return item, nil
}
