package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/connection"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/lock"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/repository"
)

// ReasonAnalyzerStopped 仪器停用时未完成条目的失败原因
const ReasonAnalyzerStopped = "analyzer stopped"

// Submitter 发送消息并等待仪器确认，*connection.Registry 实现该接口
type Submitter interface {
	Submit(ctx context.Context, analyzerID string, msg connection.Outbound) error
}

var _ Submitter = (*connection.Registry)(nil)

// Options 下发参数
type Options struct {
	MaxAttempts int
	AckTimeout  time.Duration
	BatchSize   int
	RetryDelay  time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
	if o.BatchSize < 1 {
		o.BatchSize = 20
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Dispatcher 工作单下发
//
// 同一仪器的下发串行执行，条目按 (analyzer, sample, test code) 去重。
type Dispatcher struct {
	worklist  repository.WorklistRepository
	analyzers repository.AnalyzerRepository
	catalog   *catalog.Store
	submitter Submitter
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	opts      Options
	locks     *lock.KeyedMutex
	logger    *zap.Logger
}

// NewDispatcher 创建下发器
func NewDispatcher(
	worklist repository.WorklistRepository,
	analyzers repository.AnalyzerRepository,
	cat *catalog.Store,
	submitter Submitter,
	notifier notify.Notifier,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		worklist:  worklist,
		analyzers: analyzers,
		catalog:   cat,
		submitter: submitter,
		notifier:  notifier,
		metrics:   m,
		opts:      opts.withDefaults(),
		locks:     lock.NewKeyedMutex(),
		logger:    logger,
	}
}

// Dispatch 为每个 (医嘱项目, 仪器本地代码) 建立工作单条目并下发
//
// 已确认的条目不再发送；已失败的条目保持原状，需通过 Retry 重新下发。
// 返回本次涉及的全部条目的最新状态。
func (d *Dispatcher) Dispatch(ctx context.Context, items []domain.OrderItem, analyzerID string) ([]domain.WorklistEntry, error) {
	if analyzerID == "" {
		return nil, fmt.Errorf("%w: analyzer id is required", domain.ErrInvalidArgument)
	}
	analyzer, c, err := d.analyzerCodec(ctx, analyzerID)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(analyzerID)
	defer unlock()

	snap := d.catalog.Snapshot()
	var (
		out  []domain.WorklistEntry
		send []domain.WorklistEntry
		errs []error
	)
	for _, item := range items {
		mappings := snap.CodesFor(analyzerID, item.TestID)
		if len(mappings) == 0 {
			errs = append(errs, fmt.Errorf("order item %s: test %s on analyzer %s: %w",
				item.OrderItemID, item.TestID, analyzerID, domain.ErrUnmapped))
			continue
		}
		for _, m := range mappings {
			entry, err := d.entryFor(ctx, analyzerID, item, m.LocalCode)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, *entry)
			if entry.Open() {
				send = append(send, *entry)
			}
		}
	}

	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.EntryID] = i
	}
	for start := 0; start < len(send); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(send) {
			end = len(send)
		}
		batch, err := d.send(ctx, analyzer, c, send[start:end])
		for _, e := range batch {
			out[index[e.EntryID]] = e
		}
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return out, errors.Join(errs...)
}

// entryFor 取已有条目或新建 Pending 条目
func (d *Dispatcher) entryFor(ctx context.Context, analyzerID string, item domain.OrderItem, code string) (*domain.WorklistEntry, error) {
	existing, err := d.worklist.FindEntry(ctx, analyzerID, item.SampleID, code)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	now := d.opts.Now()
	entry := &domain.WorklistEntry{
		EntryID:     uuid.NewString(),
		AnalyzerID:  analyzerID,
		OrderItemID: item.OrderItemID,
		SampleID:    item.SampleID,
		PatientID:   item.PatientID,
		TestCode:    code,
		Priority:    item.Priority,
		Status:      domain.DispatchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.worklist.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *Dispatcher) analyzerCodec(ctx context.Context, analyzerID string) (*domain.Analyzer, codec.Codec, error) {
	analyzer, err := d.analyzers.GetAnalyzer(ctx, analyzerID)
	if err != nil {
		return nil, nil, err
	}
	c, err := codec.New(analyzer.Protocol, codec.Options{Now: d.opts.Now})
	if err != nil {
		return nil, nil, err
	}
	return analyzer, c, nil
}

// send 发送一批条目，超时重试至 MaxAttempts，尝试次数随条目持久化
func (d *Dispatcher) send(ctx context.Context, analyzer *domain.Analyzer, c codec.Codec, entries []domain.WorklistEntry) ([]domain.WorklistEntry, error) {
	batch := append([]domain.WorklistEntry(nil), entries...)
	log := d.logger.With(zap.String("analyzer_id", analyzer.AnalyzerID), zap.Int("entries", len(batch)))

	attempt := 0
	lastErr := ""
	for _, e := range batch {
		if e.AttemptCount > attempt {
			attempt = e.AttemptCount
		}
		if e.LastError != "" {
			lastErr = e.LastError
		}
	}

	for {
		if attempt >= d.opts.MaxAttempts {
			if lastErr == "" {
				lastErr = "attempts exhausted"
			}
			return batch, d.fail(ctx, analyzer.AnalyzerID, batch, lastErr)
		}
		attempt++

		controlID := newControlID()
		now := d.opts.Now()
		for i := range batch {
			batch[i].Status = domain.DispatchSent
			batch[i].AttemptCount = attempt
			batch[i].LastAttemptAt = &now
			batch[i].MessageControlID = controlID
			batch[i].UpdatedAt = now
		}
		if err := d.save(ctx, batch); err != nil {
			return batch, err
		}

		payload, err := c.Encode(batch)
		if err != nil {
			return batch, d.fail(ctx, analyzer.AnalyzerID, batch, err.Error())
		}
		msg := connection.Outbound{Payload: payload}
		if c.Protocol() == domain.ProtocolHL7 {
			msg.ControlID = controlID
		}

		ackCtx, cancel := context.WithTimeout(ctx, d.opts.AckTimeout)
		err = d.submitter.Submit(ackCtx, analyzer.AnalyzerID, msg)
		cancel()

		if err == nil {
			now = d.opts.Now()
			for i := range batch {
				batch[i].Status = domain.DispatchAcknowledged
				batch[i].LastError = ""
				batch[i].UpdatedAt = now
			}
			if err := d.save(ctx, batch); err != nil {
				return batch, err
			}
			d.metrics.DispatchOutcome(analyzer.AnalyzerID, string(domain.DispatchAcknowledged))
			log.Info("Worklist acknowledged", zap.String("control_id", controlID), zap.Int("attempt", attempt))
			return batch, nil
		}
		if ctx.Err() != nil {
			// 保持 Sent，等待 Resume 或仪器停用时统一失败
			return batch, ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Sprintf("no acknowledgment within %s", d.opts.AckTimeout)
		} else {
			lastErr = err.Error()
		}
		for i := range batch {
			batch[i].LastError = lastErr
		}
		if err := d.save(ctx, batch); err != nil {
			return batch, err
		}
		d.metrics.DispatchOutcome(analyzer.AnalyzerID, "retry")
		log.Warn("Worklist not acknowledged",
			zap.String("control_id", controlID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.opts.MaxAttempts),
			zap.String("error", lastErr),
		)

		if attempt < d.opts.MaxAttempts {
			select {
			case <-ctx.Done():
				return batch, ctx.Err()
			case <-time.After(d.opts.RetryDelay):
			}
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, analyzerID string, batch []domain.WorklistEntry, reason string) error {
	now := d.opts.Now()
	for i := range batch {
		batch[i].Status = domain.DispatchFailed
		batch[i].LastError = reason
		batch[i].UpdatedAt = now
	}
	if err := d.save(ctx, batch); err != nil {
		return err
	}
	d.metrics.DispatchOutcome(analyzerID, string(domain.DispatchFailed))
	if err := d.notifier.Notify(ctx, notify.NewEvent(notify.EventDispatchFailed, analyzerID, batch)); err != nil {
		d.logger.Warn("Failed to publish dispatch failure", zap.Error(err))
	}
	d.logger.Error("Worklist dispatch failed",
		zap.String("analyzer_id", analyzerID),
		zap.Int("entries", len(batch)),
		zap.String("reason", reason),
	)
	return fmt.Errorf("%w: analyzer %s: %s", domain.ErrDispatchFailed, analyzerID, reason)
}

func (d *Dispatcher) save(ctx context.Context, batch []domain.WorklistEntry) error {
	for i := range batch {
		if err := d.worklist.UpdateEntry(ctx, &batch[i]); err != nil {
			return fmt.Errorf("failed to save worklist entry %s: %w", batch[i].EntryID, err)
		}
	}
	return nil
}

// Retry 操作员重新下发一条失败的条目，尝试次数清零
func (d *Dispatcher) Retry(ctx context.Context, entryID, user string) (*domain.WorklistEntry, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidArgument)
	}
	entry, err := d.worklist.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	analyzer, c, err := d.analyzerCodec(ctx, entry.AnalyzerID)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(entry.AnalyzerID)
	defer unlock()

	// 加锁后重读，避免与并发下发交错
	entry, err = d.worklist.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.DispatchFailed {
		return nil, fmt.Errorf("%w: entry %s is %s", domain.ErrInvalidTransition, entryID, entry.Status)
	}
	entry.Status = domain.DispatchPending
	entry.AttemptCount = 0
	entry.LastError = ""
	entry.UpdatedAt = d.opts.Now()
	if err := d.worklist.UpdateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save worklist entry %s: %w", entryID, err)
	}
	d.logger.Info("Worklist entry re-armed",
		zap.String("entry_id", entryID),
		zap.String("analyzer_id", entry.AnalyzerID),
		zap.String("user", user),
	)

	batch, err := d.send(ctx, analyzer, c, []domain.WorklistEntry{*entry})
	return &batch[0], err
}

// Resume 重新发送仪器上仍为 Pending/Sent 的条目（重启或重连后）
func (d *Dispatcher) Resume(ctx context.Context, analyzerID string) error {
	analyzer, c, err := d.analyzerCodec(ctx, analyzerID)
	if err != nil {
		return err
	}
	unlock := d.locks.Lock(analyzerID)
	defer unlock()

	open, err := d.worklist.ListEntries(ctx, analyzerID, domain.DispatchPending, domain.DispatchSent)
	if err != nil {
		return err
	}
	var errs []error
	for start := 0; start < len(open); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(open) {
			end = len(open)
		}
		if _, err := d.send(ctx, analyzer, c, open[start:end]); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// FailPending 仪器停用：其全部 Pending/Sent 条目置为 Failed
func (d *Dispatcher) FailPending(ctx context.Context, analyzerID, reason string) (int, error) {
	open, err := d.worklist.ListEntries(ctx, analyzerID, domain.DispatchPending, domain.DispatchSent)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	now := d.opts.Now()
	for i := range open {
		open[i].Status = domain.DispatchFailed
		open[i].LastError = reason
		open[i].UpdatedAt = now
	}
	if err := d.save(ctx, open); err != nil {
		return 0, err
	}
	d.metrics.DispatchOutcome(analyzerID, string(domain.DispatchFailed))
	if err := d.notifier.Notify(ctx, notify.NewEvent(notify.EventDispatchFailed, analyzerID, open)); err != nil {
		d.logger.Warn("Failed to publish dispatch failure", zap.Error(err))
	}
	d.logger.Warn("Open worklist entries failed",
		zap.String("analyzer_id", analyzerID),
		zap.Int("entries", len(open)),
		zap.String("reason", reason),
	)
	return len(open), nil
}

// ListFailed 失败条目；analyzerID 为空时列出全部仪器
func (d *Dispatcher) ListFailed(ctx context.Context, analyzerID string) ([]domain.WorklistEntry, error) {
	return d.worklist.ListEntries(ctx, analyzerID, domain.DispatchFailed)
}

// ListEntries 按状态列出条目
func (d *Dispatcher) ListEntries(ctx context.Context, analyzerID string, statuses ...domain.DispatchStatus) ([]domain.WorklistEntry, error) {
	return d.worklist.ListEntries(ctx, analyzerID, statuses...)
}

// newControlID HL7 MSH-10 最长 20 字符
func newControlID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}
