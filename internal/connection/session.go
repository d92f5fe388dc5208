package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/repository"
)

var (
	// ErrAckTimeout 仪器未在时限内确认
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrNegativeAck 仪器拒绝（NAK 或 HL7 AE/AR）
	ErrNegativeAck = errors.New("negative acknowledgment")
	// ErrLineBusy 仪器占用线路（对 ENQ 回 NAK）
	ErrLineBusy = errors.New("line busy")
)

// FrameSink 接收会话读到的原始帧，同一会话内按序调用
type FrameSink interface {
	Enqueue(ctx context.Context, frame domain.RawFrame) error
}

// FrameJournal 原始帧日志，序号在重启后延续
type FrameJournal interface {
	AppendFrame(ctx context.Context, frame domain.RawFrame) error
	repository.SequenceReader
}

// Outbound 待发送给仪器的消息
type Outbound struct {
	Payload   []byte
	ControlID string // HL7 MSH-10，用于匹配 MSA
}

// Options 会话参数
type Options struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	FrameAckTimeout   time.Duration // ASTM 发送方等待单帧 ACK
	MaxFrameRetries   int           // 单帧 NAK 后重发次数
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	OutboundQueue     int
	ReadBufferSize    int
	FlushIdle         time.Duration // 无帧边界时累积字节的最长停留
	MaxFrameBytes     int
}

// DefaultOptions 默认会话参数
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		FrameAckTimeout:   15 * time.Second,
		MaxFrameRetries:   6,
		BackoffInitial:    time.Second,
		BackoffMax:        30 * time.Second,
		OutboundQueue:     16,
		ReadBufferSize:    4096,
		FlushIdle:         200 * time.Millisecond,
		MaxFrameBytes:     64 * 1024,
	}
}

func (o Options) tick() time.Duration {
	d := o.FlushIdle
	if o.HeartbeatInterval > 0 && o.HeartbeatInterval < d {
		d = o.HeartbeatInterval
	}
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	return d
}

type submission struct {
	ctx  context.Context
	msg  Outbound
	done chan error
}

func (s *submission) finish(err error) {
	select {
	case s.done <- err:
	default:
	}
}

type readResult struct {
	data []byte
	err  error
}

// Session 单台仪器的连接会话：拨号、握手、心跳、断线重连，以及链路层收发
type Session struct {
	analyzer domain.Analyzer
	opts     Options
	dialer   Dialer
	journal  FrameJournal
	sink     FrameSink
	observer StateObserver
	hl7      *codec.HL7Codec
	logger   *zap.Logger

	outbound chan *submission

	mu        sync.RWMutex
	status    Status
	seq       int64
	seqLoaded bool

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSession 创建会话（未启动）
func NewSession(
	a domain.Analyzer,
	dialer Dialer,
	journal FrameJournal,
	sink FrameSink,
	observer StateObserver,
	opts Options,
	logger *zap.Logger,
) *Session {
	hl7, _ := codec.New(domain.ProtocolHL7, codec.Options{})
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 1
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	return &Session{
		analyzer: a,
		opts:     opts,
		dialer:   dialer,
		journal:  journal,
		sink:     sink,
		observer: observer,
		hl7:      hl7.(*codec.HL7Codec),
		logger:   logger.With(zap.String("analyzer_id", a.AnalyzerID), zap.String("protocol", string(a.Protocol))),
		outbound: make(chan *submission, opts.OutboundQueue),
		status:   Status{AnalyzerID: a.AnalyzerID, State: StateDisconnected, Since: time.Now()},
		done:     make(chan struct{}),
	}
}

// Start 启动会话循环（只生效一次）
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(runCtx)
	})
}

// Stop 停止会话并等待退出
func (s *Session) Stop() {
	s.startOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Status 当前状态
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Analyzer 会话对应的仪器
func (s *Session) Analyzer() domain.Analyzer { return s.analyzer }

// Submit 发送消息并等待仪器确认；出站队列满时阻塞调用方
func (s *Session) Submit(ctx context.Context, msg Outbound) error {
	sub := &submission{ctx: ctx, msg: msg, done: make(chan error, 1)}
	select {
	case s.outbound <- sub:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrNotConnected
	}
	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrNotConnected
	}
}

func (s *Session) setState(state State, sessionID string, cause error) {
	s.mu.Lock()
	from := s.status.State
	if from == state && cause == nil {
		s.mu.Unlock()
		return
	}
	s.status.State = state
	s.status.Since = time.Now()
	if sessionID != "" || state == StateDisconnected {
		s.status.SessionID = sessionID
	}
	if cause != nil {
		s.status.LastError = cause.Error()
		s.status.Attempts++
	}
	if state == StateReady {
		s.status.Attempts = 0
	}
	status := s.status
	s.mu.Unlock()

	s.logger.Info("Analyzer session state changed",
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.String("session_id", status.SessionID),
		zap.String("last_error", status.LastError),
	)
	if s.observer != nil {
		s.observer.OnStateChange(status, from)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.failQueued(domain.ErrNotConnected)

	backoff := NewBackoff(s.opts.BackoffInitial, s.opts.BackoffMax)
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected, "", nil)
			return
		}
		s.setState(StateConnecting, "", nil)
		err := s.connectOnce(ctx, backoff)
		if ctx.Err() != nil {
			s.setState(StateDisconnected, "", nil)
			return
		}

		wait := backoff.Next()
		s.logger.Warn("Analyzer connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		s.setState(StateReconnecting, "", err)
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected, "", nil)
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce 拨号、握手并服务直到连接断开
func (s *Session) connectOnce(ctx context.Context, backoff *Backoff) error {
	conn, err := s.dialer.Dial(ctx, s.analyzer)
	if err != nil {
		return err
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if !s.seqLoaded && s.journal != nil {
		seq, err := repository.HighestSequence(ctx, s.journal, s.analyzer.AnalyzerID)
		if err != nil {
			return fmt.Errorf("load frame sequence: %w", err)
		}
		s.seq, s.seqLoaded = seq, true
	}

	sessionID := uuid.NewString()
	reads := make(chan readResult, 8)
	go s.readLoop(connCtx, conn, reads)

	s.setState(StateHandshaking, sessionID, nil)
	leftover, err := s.handshake(connCtx, conn, reads)
	if err != nil {
		return err
	}
	s.setState(StateReady, sessionID, nil)
	backoff.Reset()

	c := &conversation{
		s:         s,
		conn:      conn,
		link:      newLink(s.analyzer.Protocol, s.hl7),
		sessionID: sessionID,
		lastRx:    time.Now(),
		lastTx:    time.Now(),
	}
	return c.serve(connCtx, reads, leftover)
}

func (s *Session) readLoop(ctx context.Context, conn Conn, out chan<- readResult) {
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case out <- readResult{data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				continue
			}
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handshake ASTM 发送 ENQ 探测仪器在线；HL7 连接建立即就绪
func (s *Session) handshake(ctx context.Context, conn Conn, reads <-chan readResult) ([]byte, error) {
	if s.analyzer.Protocol == domain.ProtocolHL7 {
		return nil, nil
	}
	if _, err := conn.Write([]byte{codec.ENQ}); err != nil {
		return nil, fmt.Errorf("%w: write ENQ: %v", domain.ErrTransport, err)
	}
	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: handshake timeout", domain.ErrTransport)
		case r := <-reads:
			if r.err != nil {
				return nil, fmt.Errorf("%w: handshake read: %v", domain.ErrTransport, r.err)
			}
			for i, c := range r.data {
				switch c {
				case codec.ACK:
					if _, err := conn.Write([]byte{codec.EOT}); err != nil {
						return nil, fmt.Errorf("%w: write EOT: %v", domain.ErrTransport, err)
					}
					return r.data[i+1:], nil
				case codec.NAK:
					// 仪器忙但在线
					return r.data[i+1:], nil
				case codec.ENQ:
					// 仪器同时发起传输，由接收流程应答
					return r.data[i:], nil
				}
			}
		}
	}
}

// failQueued 会话结束时拒绝仍在队列中的提交
func (s *Session) failQueued(err error) {
	for {
		select {
		case sub := <-s.outbound:
			sub.finish(err)
		default:
			return
		}
	}
}

func (s *Session) nextFrame(sessionID string, data []byte) domain.RawFrame {
	s.seq++
	return domain.RawFrame{
		AnalyzerID: s.analyzer.AnalyzerID,
		SessionID:  sessionID,
		Sequence:   s.seq,
		ReceivedAt: time.Now(),
		Data:       data,
	}
}
