package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"wisefido-lis/internal/domain"
)

// Conn 仪器字节流连接
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer 建立到仪器的连接
type Dialer interface {
	Dial(ctx context.Context, a domain.Analyzer) (Conn, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, a domain.Analyzer) (Conn, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, a domain.Analyzer) (Conn, error) { return f(ctx, a) }

// TransportDialer 按仪器配置选择串口或 TCP
type TransportDialer struct {
	DialTimeout    time.Duration
	KeepAlive      time.Duration
	SerialReadPoll time.Duration
}

// Dial 实现 Dialer
func (d *TransportDialer) Dial(ctx context.Context, a domain.Analyzer) (Conn, error) {
	switch a.Transport {
	case domain.TransportTCP:
		return d.dialTCP(ctx, a)
	case domain.TransportSerial:
		return d.openSerial(a)
	}
	return nil, fmt.Errorf("%w: unknown transport %q", domain.ErrInvalidArgument, a.Transport)
}

func (d *TransportDialer) dialTCP(ctx context.Context, a domain.Analyzer) (Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", a.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, a.Address(), err)
	}
	return conn, nil
}

func (d *TransportDialer) openSerial(a domain.Analyzer) (Conn, error) {
	mode, err := serialMode(a)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(a.SerialPort, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrTransport, a.SerialPort, err)
	}
	poll := d.SerialReadPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	// 串口 Read 默认阻塞，设置超时以便读循环响应关闭
	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", domain.ErrTransport, a.SerialPort, err)
	}
	return &serialConn{port: port}, nil
}

func serialMode(a domain.Analyzer) (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: a.BaudRate, DataBits: a.DataBits}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch strings.ToLower(a.Parity) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "mark", "m":
		mode.Parity = serial.MarkParity
	case "space", "s":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", domain.ErrInvalidArgument, a.Parity)
	}
	switch a.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", domain.ErrInvalidArgument, a.StopBits)
	}
	return mode, nil
}

// serialConn 串口连接，Close 可重复调用
type serialConn struct {
	port serial.Port
	once sync.Once
	err  error
}

func (c *serialConn) Read(p []byte) (int, error)  { return c.port.Read(p) }
func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *serialConn) Close() error {
	c.once.Do(func() { c.err = c.port.Close() })
	return c.err
}

// isTimeout 读超时不视为连接错误
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
