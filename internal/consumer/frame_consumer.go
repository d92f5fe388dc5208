package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/connection"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/repository"
)

// Options 接收处理参数
type Options struct {
	Workers     int // 全局并发解码/匹配数
	LaneBuffer  int // 每台仪器排队帧数，满时阻塞会话
	ReplayBatch int
	Retries     int // 基础设施错误的重试次数
	RetryDelay  time.Duration
}

// Report 一帧的处理结果
type Report struct {
	AnalyzerID string   `json:"analyzer_id"`
	Sequence   int64    `json:"sequence"`
	Skipped    bool     `json:"skipped"` // 序号不高于水位，已处理过
	Resolved   int      `json:"resolved"`
	Unmapped   int      `json:"unmapped"`
	QC         int      `json:"qc"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

func (r *Report) count(o Outcome) {
	switch o {
	case OutcomeResolved:
		r.Resolved++
	case OutcomeUnmapped:
		r.Unmapped++
	case OutcomeQC:
		r.QC++
	case OutcomeDuplicate:
		r.Duplicates++
	}
}

type job struct {
	frame domain.RawFrame
	done  chan *Report
}

// lane 单台仪器的 FIFO 队列；水位与残余字节只在该 goroutine 内读写
type lane struct {
	analyzerID string
	codec      codec.Codec
	jobs       chan job
	wm         domain.Watermark
}

// FrameConsumer 接收会话帧，按仪器顺序解码、匹配并推进水位
type FrameConsumer struct {
	frames    repository.FrameRepository
	analyzers repository.AnalyzerRepository
	matcher   *Matcher
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	lanes  map[string]*lane
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ connection.FrameSink = (*FrameConsumer)(nil)

// NewFrameConsumer 创建帧消费者
func NewFrameConsumer(
	frames repository.FrameRepository,
	analyzers repository.AnalyzerRepository,
	matcher *Matcher,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *FrameConsumer {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 256
	}
	if opts.ReplayBatch <= 0 {
		opts.ReplayBatch = 500
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FrameConsumer{
		frames:    frames,
		analyzers: analyzers,
		matcher:   matcher,
		metrics:   m,
		opts:      opts,
		logger:    logger,
		sem:       make(chan struct{}, opts.Workers),
		lanes:     make(map[string]*lane),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 为仪器建立队列，并重放日志中水位之后的帧；应在会话启动前调用
func (c *FrameConsumer) Start(ctx context.Context, analyzers []domain.Analyzer) error {
	for _, a := range analyzers {
		l, err := c.register(ctx, a)
		if err != nil {
			return err
		}
		if err := c.replay(ctx, l); err != nil {
			return fmt.Errorf("replay %s: %w", a.AnalyzerID, err)
		}
	}
	return nil
}

// Stop 停止所有队列并等待处理中的帧结束
func (c *FrameConsumer) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Enqueue 实现 connection.FrameSink；队列满时阻塞
func (c *FrameConsumer) Enqueue(ctx context.Context, frame domain.RawFrame) error {
	l, err := c.lane(ctx, frame.AnalyzerID)
	if err != nil {
		return err
	}
	c.metrics.FrameReceived(frame.AnalyzerID)
	return c.push(ctx, l, job{frame: frame})
}

// Process 同步处理一帧并返回报告（人工补录或重放）
func (c *FrameConsumer) Process(ctx context.Context, frame domain.RawFrame) (*Report, error) {
	l, err := c.lane(ctx, frame.AnalyzerID)
	if err != nil {
		return nil, err
	}
	done := make(chan *Report, 1)
	if err := c.push(ctx, l, job{frame: frame, done: done}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// Watermark 仪器当前水位
func (c *FrameConsumer) Watermark(ctx context.Context, analyzerID string) (domain.Watermark, error) {
	wm, err := c.frames.GetWatermark(ctx, analyzerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Watermark{AnalyzerID: analyzerID}, nil
	}
	if err != nil {
		return domain.Watermark{}, err
	}
	return *wm, nil
}

func (c *FrameConsumer) push(ctx context.Context, l *lane, j job) error {
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *FrameConsumer) lane(ctx context.Context, analyzerID string) (*lane, error) {
	c.mu.Lock()
	l, ok := c.lanes[analyzerID]
	c.mu.Unlock()
	if ok {
		return l, nil
	}
	a, err := c.analyzers.GetAnalyzer(ctx, analyzerID)
	if err != nil {
		return nil, fmt.Errorf("load analyzer %s: %w", analyzerID, err)
	}
	return c.register(ctx, *a)
}

func (c *FrameConsumer) register(ctx context.Context, a domain.Analyzer) (*lane, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[a.AnalyzerID]; ok {
		return l, nil
	}
	cd, err := codec.New(a.Protocol, codec.Options{})
	if err != nil {
		return nil, err
	}
	wm, err := c.Watermark(ctx, a.AnalyzerID)
	if err != nil {
		return nil, fmt.Errorf("load watermark %s: %w", a.AnalyzerID, err)
	}
	l := &lane{
		analyzerID: a.AnalyzerID,
		codec:      cd,
		jobs:       make(chan job, c.opts.LaneBuffer),
		wm:         wm,
	}
	c.lanes[a.AnalyzerID] = l
	c.wg.Add(1)
	go c.runLane(l)
	return l, nil
}

// replay 重放日志中水位之后的帧，按序进入队列
func (c *FrameConsumer) replay(ctx context.Context, l *lane) error {
	after := l.wm.Sequence
	total := 0
	for {
		batch, err := c.frames.ListFramesAfter(ctx, l.analyzerID, after, c.opts.ReplayBatch)
		if err != nil {
			return err
		}
		for _, f := range batch {
			if err := c.push(ctx, l, job{frame: f}); err != nil {
				return err
			}
			after = f.Sequence
		}
		total += len(batch)
		if len(batch) < c.opts.ReplayBatch {
			break
		}
	}
	if total > 0 {
		c.logger.Info("Replayed journaled frames",
			zap.String("analyzer_id", l.analyzerID),
			zap.Int("frames", total),
			zap.Int64("from_sequence", l.wm.Sequence),
		)
	}
	return nil
}

func (c *FrameConsumer) runLane(l *lane) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case j := <-l.jobs:
			select {
			case c.sem <- struct{}{}:
			case <-c.ctx.Done():
				return
			}
			r := c.process(c.ctx, l, j.frame)
			<-c.sem
			if j.done != nil {
				j.done <- r
			}
		}
	}
}

// process 解码一帧（拼接上次残余），逐个匹配结果，最后推进水位
func (c *FrameConsumer) process(ctx context.Context, l *lane, frame domain.RawFrame) *Report {
	start := time.Now()
	report := &Report{AnalyzerID: l.analyzerID, Sequence: frame.Sequence}
	log := c.logger.With(zap.String("analyzer_id", l.analyzerID), zap.Int64("sequence", frame.Sequence))

	if frame.Sequence <= l.wm.Sequence {
		report.Skipped = true
		log.Debug("Frame at or below watermark skipped", zap.Int64("watermark", l.wm.Sequence))
		return report
	}

	data := make([]byte, 0, len(l.wm.Remainder)+len(frame.Data))
	data = append(append(data, l.wm.Remainder...), frame.Data...)
	decoded, rest := l.codec.Decode(data)

	for _, err := range decoded.Errors {
		c.metrics.FrameError(l.analyzerID, string(l.codec.Protocol()))
		report.Errors = append(report.Errors, err.Error())
		log.Warn("Frame decode error", zap.Error(err))
	}

	src := Source{AnalyzerID: l.analyzerID, Sequence: frame.Sequence, ReceivedAt: frame.ReceivedAt}
	for _, pr := range decoded.Results {
		outcome, err := c.ingest(ctx, src, pr)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			log.Error("Failed to ingest result",
				zap.String("sample_id", pr.SampleID),
				zap.String("test_code", pr.TestCode),
				zap.Error(err),
			)
			continue
		}
		report.count(outcome)
	}

	wm := domain.Watermark{
		AnalyzerID: l.analyzerID,
		Sequence:   frame.Sequence,
		Remainder:  append([]byte(nil), rest...),
		UpdatedAt:  time.Now(),
	}
	if err := c.frames.SaveWatermark(ctx, wm); err != nil {
		log.Error("Failed to save watermark", zap.Error(err))
	}
	l.wm = wm
	c.metrics.ObserveIngest(l.analyzerID, time.Since(start).Seconds())
	return report
}

// ingest 基础设施错误时有限重试；匹配本身按来源键幂等
func (c *FrameConsumer) ingest(ctx context.Context, src Source, pr domain.ParsedResult) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.opts.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		outcome, err := c.matcher.Ingest(ctx, src, pr)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
	}
	return "", lastErr
}
