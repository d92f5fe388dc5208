package connection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/domain"
)

type sendStep int

const (
	stepEnq    sendStep = iota // 已发 ENQ，等待 ACK
	stepFrames                 // 逐帧发送，等待每帧 ACK
	stepEot                    // 无帧模式：已发 EOT，等待整条确认
	stepAppAck                 // HL7：等待 MSA
)

// sendOp 一次出站传输的进度
type sendOp struct {
	sub       *submission
	frames    [][]byte
	idx       int
	retries   int
	step      sendStep
	deadline  time.Time
	suspended bool // 线路争用，待仪器发送完毕后重新 ENQ
}

// conversation 一次已就绪连接上的收发循环，只在单个 goroutine 中运行
type conversation struct {
	s         *Session
	conn      Conn
	link      link
	sessionID string

	pending []byte
	op      *sendOp
	probeAt time.Time
	lastRx  time.Time
	lastTx  time.Time
}

func (c *conversation) serve(ctx context.Context, reads <-chan readResult, leftover []byte) error {
	defer c.finish(domain.ErrNotConnected)
	ticker := time.NewTicker(c.s.opts.tick())
	defer ticker.Stop()

	if len(leftover) > 0 {
		if err := c.receive(ctx, leftover); err != nil {
			return err
		}
	}

	for {
		var (
			outbound  chan *submission
			opTimeout <-chan time.Time
			opDone    <-chan struct{}
		)
		if c.op == nil && !c.link.busy() && c.probeAt.IsZero() {
			outbound = c.s.outbound
		}
		if c.op != nil {
			opDone = c.op.sub.ctx.Done()
			if !c.op.deadline.IsZero() {
				opTimeout = time.After(time.Until(c.op.deadline))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				c.flush(ctx)
				return fmt.Errorf("%w: read: %v", domain.ErrTransport, r.err)
			}
			if err := c.receive(ctx, r.data); err != nil {
				return err
			}
		case sub := <-outbound:
			if err := c.start(sub); err != nil {
				return err
			}
		case <-opTimeout:
			if err := c.abort(ErrAckTimeout); err != nil {
				return err
			}
		case <-opDone:
			if err := c.abort(c.op.sub.ctx.Err()); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := c.tick(ctx, now); err != nil {
				return err
			}
		}
	}
}

func (c *conversation) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransport, err)
	}
	c.lastTx = time.Now()
	return nil
}

// receive 处理收到的字节：链路应答、确认事件、按边界落盘
func (c *conversation) receive(ctx context.Context, data []byte) error {
	wasProbing := !c.probeAt.IsZero()
	c.lastRx = time.Now()
	c.probeAt = time.Time{}
	c.pending = append(c.pending, data...)

	reply, events := c.link.feed(data)
	if err := c.write(reply); err != nil {
		return err
	}

	boundary := false
	for _, ev := range events {
		switch ev.kind {
		case eventBoundary:
			boundary = true
		case eventAck:
			if wasProbing && c.op == nil {
				wasProbing = false
				if err := c.write(c.link.release()); err != nil {
					return err
				}
				continue
			}
			if err := c.onAck(); err != nil {
				return err
			}
		case eventNak:
			if err := c.onNak(); err != nil {
				return err
			}
		case eventAppAck:
			c.onAppAck(ev.ack)
		}
	}

	if c.op != nil && c.op.step == stepEnq && c.link.busy() {
		c.op.suspended = true
		c.op.deadline = time.Time{}
	}
	if c.op != nil && c.op.suspended && !c.link.busy() {
		c.op.suspended = false
		if err := c.sendEnq(); err != nil {
			return err
		}
	}

	if boundary || len(c.pending) >= c.s.opts.MaxFrameBytes {
		return c.flush(ctx)
	}
	return nil
}

// flush 将累积字节作为一个 RawFrame 写日志并交给消费方
//
// 数据已向仪器确认，写日志失败时仍交付消费方。
func (c *conversation) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	frame := c.s.nextFrame(c.sessionID, c.pending)
	c.pending = nil

	if c.s.journal != nil {
		if err := c.s.journal.AppendFrame(ctx, frame); err != nil {
			c.s.logger.Error("Failed to journal raw frame",
				zap.Int64("sequence", frame.Sequence),
				zap.Error(err),
			)
		}
	}
	if c.s.sink != nil {
		if err := c.s.sink.Enqueue(ctx, frame); err != nil {
			return fmt.Errorf("enqueue frame %d: %w", frame.Sequence, err)
		}
	}
	return nil
}

func (c *conversation) tick(ctx context.Context, now time.Time) error {
	if len(c.pending) > 0 && now.Sub(c.lastRx) >= c.s.opts.FlushIdle {
		if err := c.flush(ctx); err != nil {
			return err
		}
	}

	interval := c.s.opts.HeartbeatInterval
	if interval <= 0 || c.link.probe() == nil {
		return nil
	}
	if !c.probeAt.IsZero() {
		if now.Sub(c.probeAt) > c.s.opts.HeartbeatTimeout {
			return fmt.Errorf("%w: heartbeat timeout", domain.ErrTransport)
		}
		return nil
	}
	if c.op == nil && !c.link.busy() && now.Sub(c.lastRx) >= interval && now.Sub(c.lastTx) >= interval {
		if err := c.write(c.link.probe()); err != nil {
			return err
		}
		c.probeAt = now
	}
	return nil
}

// start 开始一次出站传输
func (c *conversation) start(sub *submission) error {
	if sub.ctx.Err() != nil {
		sub.finish(sub.ctx.Err())
		return nil
	}
	op := &sendOp{sub: sub}
	c.op = op

	if c.s.analyzer.Protocol == domain.ProtocolHL7 {
		op.step = stepAppAck
		return c.write(sub.msg.Payload)
	}
	if c.s.analyzer.Protocol == domain.ProtocolASTM1381 {
		op.frames = codec.SplitFrames(sub.msg.Payload)
	} else {
		op.frames = [][]byte{sub.msg.Payload}
	}
	if len(op.frames) == 0 {
		c.complete(fmt.Errorf("%w: empty payload", domain.ErrInvalidArgument))
		return nil
	}
	return c.sendEnq()
}

func (c *conversation) sendEnq() error {
	c.op.step = stepEnq
	c.op.idx = 0
	c.op.deadline = time.Now().Add(c.s.opts.FrameAckTimeout)
	return c.write([]byte{codec.ENQ})
}

func (c *conversation) sendFrame() error {
	c.op.step = stepFrames
	c.op.deadline = time.Now().Add(c.s.opts.FrameAckTimeout)
	return c.write(c.op.frames[c.op.idx])
}

func (c *conversation) onAck() error {
	op := c.op
	if op == nil || op.suspended {
		return nil
	}
	switch op.step {
	case stepEnq:
		op.idx, op.retries = 0, 0
		return c.sendFrame()
	case stepFrames:
		op.idx++
		op.retries = 0
		if op.idx < len(op.frames) {
			return c.sendFrame()
		}
		if err := c.write([]byte{codec.EOT}); err != nil {
			return err
		}
		if c.s.analyzer.Protocol == domain.ProtocolASTM1394 {
			op.step = stepEot
			op.deadline = time.Now().Add(c.s.opts.FrameAckTimeout)
			return nil
		}
		c.complete(nil)
	case stepEot:
		c.complete(nil)
	}
	return nil
}

func (c *conversation) onNak() error {
	op := c.op
	if op == nil || op.suspended {
		return nil
	}
	switch op.step {
	case stepEnq:
		c.complete(ErrLineBusy)
	case stepFrames:
		op.retries++
		if op.retries > c.s.opts.MaxFrameRetries {
			return c.abort(fmt.Errorf("%w: frame %d rejected %d times", ErrNegativeAck, op.idx+1, op.retries))
		}
		return c.sendFrame()
	case stepEot:
		c.complete(ErrNegativeAck)
	}
	return nil
}

func (c *conversation) onAppAck(ack codec.Ack) {
	op := c.op
	if op == nil || op.step != stepAppAck || ack.ControlID != op.sub.msg.ControlID {
		c.s.logger.Debug("Unsolicited HL7 acknowledgment",
			zap.String("control_id", ack.ControlID),
			zap.String("code", ack.Code),
		)
		return
	}
	if ack.Accepted() {
		c.complete(nil)
		return
	}
	c.complete(fmt.Errorf("%w: %s %s", ErrNegativeAck, ack.Code, ack.Text))
}

// abort 终止当前传输；ASTM 以 EOT 释放线路
func (c *conversation) abort(err error) error {
	if c.op == nil {
		return nil
	}
	step := c.op.step
	c.complete(err)
	if c.s.analyzer.Protocol != domain.ProtocolHL7 && step != stepEnq {
		return c.write([]byte{codec.EOT})
	}
	return nil
}

func (c *conversation) complete(err error) {
	if c.op == nil {
		return
	}
	c.op.sub.finish(err)
	c.op = nil
}

// finish 连接结束时结束进行中的传输
func (c *conversation) finish(err error) {
	c.complete(err)
}
