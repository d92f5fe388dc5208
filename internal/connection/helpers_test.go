package connection

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/domain"
)

// recordingSink 记录收到的原始帧
type recordingSink struct {
	ch chan domain.RawFrame
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan domain.RawFrame, 256)}
}

func (r *recordingSink) Enqueue(ctx context.Context, f domain.RawFrame) error {
	select {
	case r.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recordingSink) next(t *testing.T) domain.RawFrame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for raw frame")
		return domain.RawFrame{}
	}
}

// memJournal 内存帧日志；failing 时写入失败
type memJournal struct {
	mu        sync.Mutex
	last      int64
	watermark int64
	failing   bool
	frames    []domain.RawFrame
}

func (j *memJournal) AppendFrame(_ context.Context, f domain.RawFrame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing {
		return errors.New("journal unavailable")
	}
	j.frames = append(j.frames, f)
	j.last = f.Sequence
	return nil
}

func (j *memJournal) LastSequence(context.Context, string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, nil
}

func (j *memJournal) GetWatermark(_ context.Context, analyzerID string) (*domain.Watermark, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.watermark == 0 {
		return nil, domain.ErrNotFound
	}
	return &domain.Watermark{AnalyzerID: analyzerID, Sequence: j.watermark}, nil
}

// pipeDialer 每次拨号创建 net.Pipe，仪器端通过通道交给测试
type pipeDialer struct {
	failures    int
	mu          sync.Mutex
	dials       int
	instruments chan net.Conn
}

func newPipeDialer(failures int) *pipeDialer {
	return &pipeDialer{failures: failures, instruments: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, a domain.Analyzer) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.failures
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	lis, inst := net.Pipe()
	select {
	case d.instruments <- inst:
		return lis, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *pipeDialer) next(t *testing.T) *instrument {
	t.Helper()
	select {
	case c := <-d.instruments:
		t.Cleanup(func() { c.Close() })
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
		return &instrument{t: t, conn: c, r: bufio.NewReader(c)}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// instrument 仪器端模拟
type instrument struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (i *instrument) send(b ...byte) {
	i.t.Helper()
	_, err := i.conn.Write(b)
	require.NoError(i.t, err)
}

func (i *instrument) expect(want ...byte) {
	i.t.Helper()
	got := make([]byte, len(want))
	_, err := io.ReadFull(i.r, got)
	require.NoError(i.t, err)
	require.Equal(i.t, want, got)
}

func (i *instrument) readMLLP() []byte {
	i.t.Helper()
	b, err := i.r.ReadBytes(codec.FS)
	require.NoError(i.t, err)
	cr, err := i.r.ReadByte()
	require.NoError(i.t, err)
	require.Equal(i.t, codec.CR, cr)
	return codec.Unwrap(b)
}

// drain 后台读取并丢弃会话写出的字节
func (i *instrument) drain() {
	go io.Copy(io.Discard, i.r)
}

func testOptions() Options {
	o := DefaultOptions()
	o.HandshakeTimeout = time.Second
	o.HeartbeatInterval = 0
	o.FrameAckTimeout = time.Second
	o.BackoffInitial = 10 * time.Millisecond
	o.BackoffMax = 40 * time.Millisecond
	o.FlushIdle = 20 * time.Millisecond
	return o
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want },
		3*time.Second, 5*time.Millisecond, "state %s", want)
}

func analyzer(p domain.Protocol) domain.Analyzer {
	return domain.Analyzer{AnalyzerID: "AN-1", Code: "C311", Protocol: p, Transport: domain.TransportTCP, Host: "10.0.0.5", Port: 5000, IsActive: true}
}

func framedMessage(records ...string) [][]byte {
	var frames [][]byte
	for i, r := range records {
		body := append([]byte{byte('0' + (i+1)%8)}, r+"\r"...)
		body = append(body, codec.ETX)
		f := append([]byte{codec.STX}, body...)
		f = append(f, codec.Checksum(body)...)
		f = append(f, codec.CR, codec.LF)
		frames = append(frames, f)
	}
	return frames
}
