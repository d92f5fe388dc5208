package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// EventType 对外事件类型
type EventType string

const (
	EventResultAvailable   EventType = "result_available"
	EventCriticalAlert     EventType = "critical_alert"
	EventCriticalEscalated EventType = "critical_escalated"
	EventDeltaFlagged      EventType = "delta_flagged"
	EventDispatchFailed    EventType = "dispatch_failed"
	EventQCRejected        EventType = "qc_rejected"
)

// Event 对外事件；Payload 为领域对象，按 JSON 序列化
type Event struct {
	Type       EventType   `json:"type"`
	AnalyzerID string      `json:"analyzer_id,omitempty"`
	At         time.Time   `json:"at"`
	Payload    interface{} `json:"payload"`
}

// NewEvent 创建事件
func NewEvent(t EventType, analyzerID string, payload interface{}) Event {
	return Event{Type: t, AnalyzerID: analyzerID, At: time.Now(), Payload: payload}
}

// Notifier 事件投递
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc 函数适配
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop 丢弃全部事件
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi 依次投递到每个下游，单个下游失败不影响其余
type Multi struct {
	targets []Notifier
	logger  *zap.Logger
}

// NewMulti 创建扇出投递
func NewMulti(logger *zap.Logger, targets ...Notifier) *Multi {
	return &Multi{targets: targets, logger: logger}
}

// Add 追加下游
func (m *Multi) Add(n Notifier) {
	m.targets = append(m.targets, n)
}

// Notify 返回全部下游错误的合并
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Notify(ctx, ev); err != nil {
			m.logger.Warn("Event delivery failed",
				zap.String("type", string(ev.Type)),
				zap.String("analyzer_id", ev.AnalyzerID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter 只投递指定类型
func Filter(n Notifier, types ...EventType) Notifier {
	allowed := make(map[EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return NotifierFunc(func(ctx context.Context, ev Event) error {
		if !allowed[ev.Type] {
			return nil
		}
		return n.Notify(ctx, ev)
	})
}
