package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
)

// Registry 管理所有仪器会话
type Registry struct {
	opts     Options
	dialer   Dialer
	journal  FrameJournal
	sink     FrameSink
	observer StateObserver
	logger   *zap.Logger

	mu       sync.RWMutex
	ctx      context.Context
	sessions map[string]*Session
	onStop   []func(analyzerID string)
}

// NewRegistry 创建会话注册表
func NewRegistry(
	opts Options,
	dialer Dialer,
	journal FrameJournal,
	sink FrameSink,
	observer StateObserver,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		opts:     opts,
		dialer:   dialer,
		journal:  journal,
		sink:     sink,
		observer: observer,
		logger:   logger,
		ctx:      context.Background(),
		sessions: make(map[string]*Session),
	}
}

// OnStop 注册会话被显式停止时的回调（如将未确认工作单置为失败）
func (r *Registry) OnStop(fn func(analyzerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = append(r.onStop, fn)
}

// Start 为所有启用的仪器建立会话
func (r *Registry) Start(ctx context.Context, analyzers []domain.Analyzer) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	for _, a := range analyzers {
		if !a.IsActive {
			continue
		}
		if err := r.Connect(a); err != nil {
			r.logger.Error("Failed to start analyzer session",
				zap.String("analyzer_id", a.AnalyzerID),
				zap.Error(err),
			)
		}
	}
}

// Connect 启动仪器会话；已在运行时不重复创建
func (r *Registry) Connect(a domain.Analyzer) error {
	if !a.Protocol.Valid() {
		return fmt.Errorf("%w: analyzer %s protocol %q", domain.ErrInvalidArgument, a.AnalyzerID, a.Protocol)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[a.AnalyzerID]; ok {
		select {
		case <-s.Done():
		default:
			return nil
		}
	}
	s := NewSession(a, r.dialer, r.journal, r.sink, r.observer, r.opts, r.logger)
	r.sessions[a.AnalyzerID] = s
	s.Start(r.ctx)
	r.logger.Info("Analyzer session started", zap.String("analyzer_id", a.AnalyzerID), zap.String("address", a.Address()))
	return nil
}

// Disconnect 停止仪器会话
func (r *Registry) Disconnect(analyzerID string) error {
	r.mu.Lock()
	s, ok := r.sessions[analyzerID]
	delete(r.sessions, analyzerID)
	hooks := append([]func(string){}, r.onStop...)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("analyzer session %s: %w", analyzerID, domain.ErrNotFound)
	}

	s.Stop()
	for _, fn := range hooks {
		fn(analyzerID)
	}
	r.logger.Info("Analyzer session stopped", zap.String("analyzer_id", analyzerID))
	return nil
}

// Session 查找会话
func (r *Registry) Session(analyzerID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[analyzerID]
	if !ok {
		return nil, fmt.Errorf("analyzer session %s: %w", analyzerID, domain.ErrNotFound)
	}
	return s, nil
}

// Submit 向仪器发送消息并等待确认
func (r *Registry) Submit(ctx context.Context, analyzerID string, msg Outbound) error {
	s, err := r.Session(analyzerID)
	if err != nil {
		return err
	}
	return s.Submit(ctx, msg)
}

// Status 仪器连接状态；未注册的仪器视为 Disconnected
func (r *Registry) Status(analyzerID string) Status {
	s, err := r.Session(analyzerID)
	if err != nil {
		return Status{AnalyzerID: analyzerID, State: StateDisconnected}
	}
	return s.Status()
}

// Statuses 全部会话状态，按仪器 ID 排序
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AnalyzerID < out[j].AnalyzerID })
	return out
}

// Stop 停止全部会话
func (r *Registry) Stop() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
