package codec

import (
	"errors"
	"fmt"
	"time"

	"wisefido-lis/internal/domain"
)

// 链路控制字符（ASTM E1381 / MLLP）
const (
	STX byte = 0x02
	ETX byte = 0x03
	EOT byte = 0x04
	ENQ byte = 0x05
	ACK byte = 0x06
	LF  byte = 0x0A
	VT  byte = 0x0B
	CR  byte = 0x0D
	NAK byte = 0x15
	ETB byte = 0x17
	FS  byte = 0x1C
)

// DefaultMaxPending 单条未完成消息允许缓存的字节上限
const DefaultMaxPending = 1 << 20

// ErrFraming 帧结构或校验错误
var ErrFraming = errors.New("framing error")

// FrameError 单个帧/记录/消息的解码错误，不影响其他帧
type FrameError struct {
	Protocol domain.Protocol
	Reason   string
	Snippet  string
}

func (e *FrameError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("%s framing error: %s", e.Protocol, e.Reason)
	}
	return fmt.Sprintf("%s framing error: %s (%q)", e.Protocol, e.Reason, e.Snippet)
}

// Is 使 errors.Is(err, ErrFraming) 成立
func (e *FrameError) Is(target error) bool {
	return target == ErrFraming
}

func frameError(p domain.Protocol, reason string, raw []byte) *FrameError {
	const max = 48
	s := string(raw)
	if len(s) > max {
		s = s[:max]
	}
	return &FrameError{Protocol: p, Reason: reason, Snippet: s}
}

// Ack 仪器返回的应用层确认（HL7 MSA）
type Ack struct {
	ControlID string `json:"control_id"`
	Code      string `json:"code"`
	Text      string `json:"text,omitempty"`
}

// Accepted AA/CA 为接受
func (a Ack) Accepted() bool {
	return a.Code == "AA" || a.Code == "CA"
}

// Decoded 一次解码的产出
type Decoded struct {
	Results []domain.ParsedResult
	Acks    []Ack
	Errors  []error
}

// Empty 没有任何产出
func (d *Decoded) Empty() bool {
	return len(d.Results) == 0 && len(d.Acks) == 0 && len(d.Errors) == 0
}

func (d *Decoded) merge(o *Decoded) {
	d.Results = append(d.Results, o.Results...)
	d.Acks = append(d.Acks, o.Acks...)
	d.Errors = append(d.Errors, o.Errors...)
}

// Codec 协议编解码器，纯函数，不持有会话状态
//
// Decode 返回已完整消息的解码结果，以及需要与下一段数据拼接的残余字节。
// 对任意切分方式，分段解码结果之和与一次性解码结果相同。
type Codec interface {
	Protocol() domain.Protocol
	Decode(data []byte) (*Decoded, []byte)
	Encode(entries []domain.WorklistEntry) ([]byte, error)
}

// Options 编解码器参数
type Options struct {
	Sender     string           // 发送方名称，写入 H / MSH
	MaxPending int              // 残余字节上限
	Now        func() time.Time // 编码时间戳
}

func (o Options) withDefaults() Options {
	if o.Sender == "" {
		o.Sender = "WISEFIDO-LIS"
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New 按协议创建编解码器
func New(p domain.Protocol, opts Options) (Codec, error) {
	opts = opts.withDefaults()
	switch p {
	case domain.ProtocolHL7:
		return &HL7Codec{opts: opts}, nil
	case domain.ProtocolASTM1381:
		return &ASTMCodec{opts: opts, framed: true}, nil
	case domain.ProtocolASTM1394:
		return &ASTMCodec{opts: opts, framed: false}, nil
	}
	return nil, fmt.Errorf("%w: unsupported protocol %q", domain.ErrInvalidArgument, p)
}

func validateBatch(entries []domain.WorklistEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty worklist batch", domain.ErrInvalidArgument)
	}
	analyzer := entries[0].AnalyzerID
	for _, e := range entries {
		if e.AnalyzerID != analyzer {
			return fmt.Errorf("%w: batch mixes analyzers %s and %s", domain.ErrInvalidArgument, analyzer, e.AnalyzerID)
		}
		if e.SampleID == "" || e.TestCode == "" {
			return fmt.Errorf("%w: entry %s missing sample or test code", domain.ErrInvalidArgument, e.EntryID)
		}
	}
	return nil
}

// sampleGroup 同一样本的工作单条目
type sampleGroup struct {
	sampleID  string
	patientID string
	stat      bool
	codes     []string
}

func groupBySample(entries []domain.WorklistEntry) []*sampleGroup {
	var groups []*sampleGroup
	index := make(map[string]*sampleGroup)
	for _, e := range entries {
		g, ok := index[e.SampleID]
		if !ok {
			g = &sampleGroup{sampleID: e.SampleID, patientID: e.PatientID}
			index[e.SampleID] = g
			groups = append(groups, g)
		}
		if e.Stat() {
			g.stat = true
		}
		g.codes = append(g.codes, e.TestCode)
	}
	return groups
}

var timeLayouts = []string{"20060102150405", "200601021504", "20060102"}

// parseTimestamp 解析 ASTM/HL7 日期时间（YYYYMMDD[HHMM[SS]]，忽略小数秒与时区）
func parseTimestamp(s string) *time.Time {
	digits := s
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = s[:i]
			break
		}
	}
	for _, layout := range timeLayouts {
		if len(digits) == len(layout) {
			if t, err := time.ParseInLocation(layout, digits, time.Local); err == nil {
				return &t
			}
		}
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}
