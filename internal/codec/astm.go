package codec

import (
	"bytes"
	"fmt"
	"strings"

	"wisefido-lis/internal/domain"
)

// maxFrameText E1381 单帧正文上限，超出拆分为 ETB 中间帧
const maxFrameText = 240

// ASTMCodec ASTM 编解码器；framed 为 true 时使用 E1381 校验帧
type ASTMCodec struct {
	opts   Options
	framed bool
}

// Protocol 协议
func (c *ASTMCodec) Protocol() domain.Protocol {
	if c.framed {
		return domain.ProtocolASTM1381
	}
	return domain.ProtocolASTM1394
}

// Decode 解码完整消息（以 L 记录或 EOT 结束），未完成部分作为残余返回
func (c *ASTMCodec) Decode(data []byte) (*Decoded, []byte) {
	out := &Decoded{}
	pos := 0
	for pos < len(data) {
		var (
			msg      *Decoded
			next     int
			complete bool
		)
		if c.framed {
			msg, next, complete = c.scanFramedMessage(data, pos)
		} else {
			msg, next, complete = c.scanRecordMessage(data, pos)
		}
		if !complete {
			break
		}
		out.merge(msg)
		pos = next
	}
	return out, c.remainder(out, data[pos:])
}

func (c *ASTMCodec) remainder(out *Decoded, rest []byte) []byte {
	if len(rest) == 0 {
		return nil
	}
	if len(rest) > c.opts.MaxPending {
		out.Errors = append(out.Errors, frameError(c.Protocol(), "pending message exceeds limit, discarded", rest))
		return nil
	}
	return append([]byte(nil), rest...)
}

// scanFramedMessage 从 start 开始解析一条 E1381 消息
//
// 校验失败的帧等待仪器以同一帧号重发，已接收的 ETB 中间帧保留；
// 与上一帧帧号相同的有效帧视为 ACK 丢失后的重复发送，忽略。
func (c *ASTMCodec) scanFramedMessage(data []byte, start int) (*Decoded, int, bool) {
	parser := newRecordParser(c.Protocol())
	var (
		errs    []error
		pending []byte
		inMsg   bool
	)
	lastFN, failedFN := -1, -1
	i := start
	for {
		j := i
		for j < len(data) && data[j] != STX && data[j] != EOT {
			j++
		}
		if j >= len(data) {
			if !inMsg {
				// 只有链路控制字节，全部消费
				return &Decoded{}, len(data), true
			}
			return nil, start, false
		}
		if data[j] == EOT {
			if inMsg {
				if len(pending) > 0 {
					errs = append(errs, frameError(c.Protocol(), "transmission ended inside a record", pending))
				}
				return c.finish(parser, errs), j + 1, true
			}
			i = j + 1
			continue
		}

		f := parseFrame(data, j)
		if f.incomplete {
			return nil, start, false
		}
		inMsg = true
		if f.err != "" {
			errs = append(errs, frameError(c.Protocol(), f.err, data[j:f.next]))
			switch {
			case f.fn >= 0:
				failedFN = f.fn
			case lastFN >= 0:
				failedFN = (lastFN + 1) % 8
			}
			i = f.next
			continue
		}
		if lastFN >= 0 && f.fn == lastFN && failedFN < 0 {
			i = f.next
			continue
		}
		if failedFN >= 0 && f.fn != failedFN && len(pending) > 0 {
			// 出错的帧未被重发，当前记录的前半段作废
			errs = append(errs, frameError(c.Protocol(),
				fmt.Sprintf("frame %d not retransmitted, partial record discarded", failedFN), pending))
			pending = nil
		}
		failedFN = -1
		lastFN = f.fn

		pending = append(pending, f.text...)
		if f.final {
			for _, rec := range bytes.Split(pending, []byte{CR}) {
				parser.feed(rec)
			}
			pending = nil
			if parser.terminated {
				return c.finish(parser, errs), f.next, true
			}
		}
		i = f.next
	}
}

// scanRecordMessage 从 start 开始解析一条无帧 E1394 消息（记录以 CR 结束）
func (c *ASTMCodec) scanRecordMessage(data []byte, start int) (*Decoded, int, bool) {
	parser := newRecordParser(c.Protocol())
	inMsg := false
	i := start
	for {
		for i < len(data) && data[i] < 0x20 && data[i] != EOT {
			i++
		}
		if i >= len(data) {
			if !inMsg {
				return &Decoded{}, len(data), true
			}
			return nil, start, false
		}
		if data[i] == EOT {
			if inMsg {
				return c.finish(parser, nil), i + 1, true
			}
			i++
			continue
		}
		end := bytes.IndexByte(data[i:], CR)
		if end < 0 {
			return nil, start, false
		}
		inMsg = true
		parser.feed(data[i : i+end])
		i += end + 1
		if parser.terminated {
			return c.finish(parser, nil), i, true
		}
	}
}

func (c *ASTMCodec) finish(p *recordParser, errs []error) *Decoded {
	return &Decoded{Results: p.results, Errors: append(errs, p.errs...)}
}

type frame struct {
	fn         int // 帧号 0-7，无法识别时为 -1
	text       []byte
	final      bool // ETX 结束
	next       int
	incomplete bool
	err        string
}

// parseFrame 解析 data[stx] 开始的帧：STX FN text ETX|ETB C1 C2 CR LF
func parseFrame(data []byte, stx int) frame {
	fn := -1
	if stx+1 < len(data) && data[stx+1] >= '0' && data[stx+1] <= '7' {
		fn = int(data[stx+1] - '0')
	}
	t := stx + 1
	for t < len(data) && data[t] != ETX && data[t] != ETB {
		if data[t] == STX || data[t] == EOT {
			return frame{fn: fn, next: t, err: "frame interrupted before end marker"}
		}
		t++
	}
	if t >= len(data) {
		return frame{incomplete: true}
	}
	// 校验和 2 字节 + CR，LF 可缺省
	if t+3 >= len(data) {
		return frame{incomplete: true}
	}
	next := t + 4
	if data[t+3] != CR {
		return frame{fn: fn, next: t + 1, err: "missing CR after checksum"}
	}
	if t+4 < len(data) && data[t+4] == LF {
		next = t + 5
	} else if t+4 >= len(data) {
		return frame{incomplete: true}
	}

	if t-stx < 2 || fn < 0 {
		return frame{fn: -1, next: next, err: "invalid frame number"}
	}
	want := Checksum(data[stx+1 : t+1])
	got := strings.ToUpper(string(data[t+1 : t+3]))
	if want != got {
		return frame{fn: fn, next: next, err: fmt.Sprintf("checksum mismatch: want %s got %s", want, got)}
	}
	return frame{fn: fn, text: data[stx+2 : t], final: data[t] == ETX, next: next}
}

// Checksum E1381 校验和：帧号到 ETX/ETB（含）的字节和 mod 256，两位大写十六进制
func Checksum(body []byte) string {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return fmt.Sprintf("%02X", sum)
}

// Encode 生成工作单消息
func (c *ASTMCodec) Encode(entries []domain.WorklistEntry) ([]byte, error) {
	if err := validateBatch(entries); err != nil {
		return nil, err
	}
	records := buildASTMRecords(entries, c.opts)
	var buf bytes.Buffer
	if !c.framed {
		for _, r := range records {
			buf.WriteString(r)
			buf.WriteByte(CR)
		}
		return buf.Bytes(), nil
	}

	fn := 1
	for _, r := range records {
		text := r + "\r"
		for len(text) > 0 {
			n := len(text)
			end := ETX
			if n > maxFrameText {
				n = maxFrameText
				end = ETB
			}
			writeFrame(&buf, fn, text[:n], end)
			text = text[n:]
			fn = (fn + 1) % 8
		}
	}
	return buf.Bytes(), nil
}

func writeFrame(buf *bytes.Buffer, fn int, text string, end byte) {
	body := make([]byte, 0, len(text)+2)
	body = append(body, byte('0'+fn))
	body = append(body, text...)
	body = append(body, end)
	buf.WriteByte(STX)
	buf.Write(body)
	buf.WriteString(Checksum(body))
	buf.WriteByte(CR)
	buf.WriteByte(LF)
}

// SplitFrames 将 E1381 编码结果拆成逐帧发送的片段
func SplitFrames(payload []byte) [][]byte {
	var frames [][]byte
	i := 0
	for i < len(payload) {
		stx := bytes.IndexByte(payload[i:], STX)
		if stx < 0 {
			break
		}
		f := parseFrame(payload, i+stx)
		if f.incomplete {
			break
		}
		frames = append(frames, payload[i+stx:f.next])
		i = f.next
	}
	return frames
}

// VerifyFrame 校验单个完整帧（STX 起，CR 或 LF 止）
func VerifyFrame(f []byte) bool {
	if len(f) < 6 || f[0] != STX {
		return false
	}
	t := bytes.IndexAny(f, string([]byte{ETX, ETB}))
	if t < 2 || t+3 > len(f) {
		return false
	}
	return Checksum(f[1:t+1]) == strings.ToUpper(string(f[t+1:t+3]))
}
