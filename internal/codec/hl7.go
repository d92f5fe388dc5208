package codec

import (
	"bytes"
	"fmt"
	"strings"

	"wisefido-lis/internal/domain"
)

// HL7Codec HL7 v2.x over MLLP（VT ... FS CR）
type HL7Codec struct {
	opts Options
}

// Protocol 协议
func (c *HL7Codec) Protocol() domain.Protocol { return domain.ProtocolHL7 }

// Decode 解码完整 MLLP 消息；ORU 产出结果，ACK/ORR 产出确认
func (c *HL7Codec) Decode(data []byte) (*Decoded, []byte) {
	out := &Decoded{}
	pos := 0
	for pos < len(data) {
		vt := bytes.IndexByte(data[pos:], VT)
		if vt < 0 {
			if hasPrintable(data[pos:]) {
				out.Errors = append(out.Errors, frameError(c.Protocol(), "data outside MLLP block", data[pos:]))
			}
			pos = len(data)
			break
		}
		if hasPrintable(data[pos : pos+vt]) {
			out.Errors = append(out.Errors, frameError(c.Protocol(), "data outside MLLP block", data[pos:pos+vt]))
		}
		start := pos + vt

		fs := bytes.IndexByte(data[start+1:], FS)
		if fs < 0 {
			// 新的 VT 出现说明上一条消息被截断
			if inner := bytes.IndexByte(data[start+1:], VT); inner >= 0 {
				out.Errors = append(out.Errors, frameError(c.Protocol(), "truncated MLLP block", data[start:start+1+inner]))
				pos = start + 1 + inner
				continue
			}
			pos = start
			break
		}
		end := start + 1 + fs
		if inner := bytes.IndexByte(data[start+1:end], VT); inner >= 0 {
			out.Errors = append(out.Errors, frameError(c.Protocol(), "truncated MLLP block", data[start:start+1+inner]))
			pos = start + 1 + inner
			continue
		}
		if end+1 >= len(data) {
			// 等待 FS 之后的 CR
			pos = start
			break
		}
		next := end + 1
		if data[next] == CR {
			next++
		}
		c.decodeMessage(data[start+1:end], out)
		pos = next
	}

	if pos >= len(data) {
		return out, nil
	}
	rest := data[pos:]
	if len(rest) > c.opts.MaxPending {
		out.Errors = append(out.Errors, frameError(c.Protocol(), "pending message exceeds limit, discarded", rest))
		return out, nil
	}
	return out, append([]byte(nil), rest...)
}

func hasPrintable(b []byte) bool {
	for _, c := range b {
		if c > 0x20 && c < 0x7F {
			return true
		}
	}
	return false
}

// hl7Message 已拆分的 HL7 消息
type hl7Message struct {
	fieldSep string
	compSep  string
	repSep   string
	escape   string
	subSep   string
	segments [][]string
}

func parseHL7(msg []byte) (*hl7Message, error) {
	text := strings.ReplaceAll(string(msg), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	text = strings.Trim(text, "\r")
	if len(text) < 8 || !strings.HasPrefix(text, "MSH") {
		return nil, fmt.Errorf("message does not start with MSH")
	}
	m := &hl7Message{fieldSep: text[3:4], compSep: "^", repSep: "~", escape: "\\", subSep: "&"}
	for _, seg := range strings.Split(text, "\r") {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		m.segments = append(m.segments, strings.Split(seg, m.fieldSep))
	}
	if len(m.segments) == 0 || len(m.segments[0]) < 2 {
		return nil, fmt.Errorf("malformed MSH segment")
	}
	if enc := m.segments[0][1]; len(enc) >= 1 {
		m.compSep = enc[0:1]
		if len(enc) >= 2 {
			m.repSep = enc[1:2]
		}
		if len(enc) >= 3 {
			m.escape = enc[2:3]
		}
		if len(enc) >= 4 {
			m.subSep = enc[3:4]
		}
	}
	return m, nil
}

// field 段字段，n 为 HL7 字段序号；MSH-1 是分隔符本身，故 MSH 偏移 1
func (m *hl7Message) field(seg []string, n int) string {
	i := n
	if seg[0] == "MSH" {
		i = n - 1
	}
	if i >= 0 && i < len(seg) {
		return seg[i]
	}
	return ""
}

func (m *hl7Message) component(seg []string, n, c int) string {
	comps := strings.Split(m.field(seg, n), m.compSep)
	if c < len(comps) {
		return m.unescape(strings.TrimSpace(comps[c]))
	}
	return ""
}

func (m *hl7Message) header() []string { return m.segments[0] }

func (m *hl7Message) unescape(s string) string {
	if !strings.Contains(s, m.escape) {
		return s
	}
	e := m.escape
	return strings.NewReplacer(
		e+"F"+e, m.fieldSep,
		e+"S"+e, m.compSep,
		e+"R"+e, m.repSep,
		e+"T"+e, m.subSep,
		e+"E"+e, e,
	).Replace(s)
}

func (c *HL7Codec) decodeMessage(raw []byte, out *Decoded) {
	m, err := parseHL7(raw)
	if err != nil {
		out.Errors = append(out.Errors, frameError(c.Protocol(), err.Error(), raw))
		return
	}
	msh := m.header()
	switch m.component(msh, 9, 0) {
	case "ACK", "ORR":
		out.Acks = append(out.Acks, ParseAcks(raw)...)
	case "ORU", "OUL":
		c.decodeResults(m, out)
	}
}

func (c *HL7Codec) decodeResults(m *hl7Message, out *Decoded) {
	var (
		patientID string
		sampleID  string
		qc        bool
		level     string
		lot       string
		obrTime   string
		haveOBR   bool
	)
	// MSH-11 处理标识为 QC 时整条消息均为质控，OBR 填充号按 样本^水平^批号 解析
	action := ""
	if strings.EqualFold(m.component(m.header(), 11, 0), "QC") {
		action = "Q"
	}
	for _, seg := range m.segments {
		switch seg[0] {
		case "PID":
			patientID = m.component(seg, 3, 0)
			haveOBR = false
		case "OBR":
			filler := m.field(seg, 3)
			if strings.TrimSpace(filler) == "" {
				filler = m.field(seg, 2)
			}
			sampleID, level, lot, qc = qcIdentity(strings.Split(filler, m.compSep), action)
			sampleID = m.unescape(sampleID)
			obrTime = m.field(seg, 7)
			haveOBR = sampleID != ""
		case "OBX":
			if !haveOBR {
				out.Errors = append(out.Errors, frameError(c.Protocol(), "OBX without OBR", []byte(strings.Join(seg, m.fieldSep))))
				continue
			}
			code := m.component(seg, 3, 0)
			if code == "" {
				out.Errors = append(out.Errors, frameError(c.Protocol(), "OBX without observation identifier", []byte(strings.Join(seg, m.fieldSep))))
				continue
			}
			value := m.field(seg, 5)
			if vt := m.field(seg, 2); vt == "NM" || vt == "SN" || vt == "" {
				value = m.component(seg, 5, 0)
			} else {
				value = m.unescape(value)
			}
			ts := m.field(seg, 14)
			if ts == "" {
				ts = obrTime
			}
			out.Results = append(out.Results, domain.ParsedResult{
				SampleID:        sampleID,
				PatientID:       patientID,
				TestCode:        code,
				RawValue:        value,
				Unit:            m.component(seg, 6, 0),
				InstrumentFlags: m.field(seg, 8),
				InstrumentTime:  parseTimestamp(ts),
				IsQC:            qc,
				QCLevel:         level,
				QCLot:           lot,
			})
		}
	}
}

var hl7Escaper = strings.NewReplacer(
	"\\", "\\E\\",
	"|", "\\F\\",
	"^", "\\S\\",
	"~", "\\R\\",
	"&", "\\T\\",
)

// Encode 生成 ORM^O01 工作单消息，按样本分组 PID/ORC/OBR
func (c *HL7Codec) Encode(entries []domain.WorklistEntry) ([]byte, error) {
	if err := validateBatch(entries); err != nil {
		return nil, err
	}
	controlID := entries[0].MessageControlID
	if controlID == "" {
		return nil, fmt.Errorf("%w: missing message control id", domain.ErrInvalidArgument)
	}
	ts := formatTimestamp(c.opts.Now())

	segs := []string{
		"MSH|^~\\&|" + hl7Escaper.Replace(c.opts.Sender) + "|LAB|" + hl7Escaper.Replace(entries[0].AnalyzerID) + "||" + ts + "||ORM^O01|" + hl7Escaper.Replace(controlID) + "|P|2.3.1",
	}
	obr := 0
	for i, g := range groupBySample(entries) {
		priority := "R"
		if g.stat {
			priority = "S"
		}
		sample := hl7Escaper.Replace(g.sampleID)
		segs = append(segs,
			fmt.Sprintf("PID|%d||%s", i+1, hl7Escaper.Replace(g.patientID)),
			fmt.Sprintf("ORC|NW|%s||||||^^^^^%s", sample, priority),
		)
		for _, code := range g.codes {
			obr++
			segs = append(segs, fmt.Sprintf("OBR|%d|%s||%s^^L|%s|%s", obr, sample, hl7Escaper.Replace(code), priority, ts))
		}
	}
	return wrapMLLP(segs), nil
}

func wrapMLLP(segs []string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(VT)
	for _, s := range segs {
		buf.WriteString(s)
		buf.WriteByte(CR)
	}
	buf.WriteByte(FS)
	buf.WriteByte(CR)
	return buf.Bytes()
}

// MessageInfo 入站消息的头部信息
type MessageInfo struct {
	Type      string
	Trigger   string
	ControlID string
	Sender    string
	Facility  string
	Receiver  string
	Version   string
}

// ParseHeader 读取 MSH 头部（msg 不含 MLLP 包装）
func ParseHeader(msg []byte) (*MessageInfo, error) {
	m, err := parseHL7(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	msh := m.header()
	return &MessageInfo{
		Type:      m.component(msh, 9, 0),
		Trigger:   m.component(msh, 9, 1),
		ControlID: m.field(msh, 10),
		Sender:    m.field(msh, 3),
		Facility:  m.field(msh, 4),
		Receiver:  m.field(msh, 5),
		Version:   m.field(msh, 12),
	}, nil
}

// BuildHL7Ack 为入站消息构造 MLLP 包装的 ACK，收发方对调，MSA 回显控制号
func (c *HL7Codec) BuildHL7Ack(msg []byte, code, text string) ([]byte, error) {
	info, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	version := info.Version
	if version == "" {
		version = "2.3.1"
	}
	msa := "MSA|" + code + "|" + info.ControlID
	if text != "" {
		msa += "|" + hl7Escaper.Replace(text)
	}
	segs := []string{
		"MSH|^~\\&|" + info.Receiver + "||" + info.Sender + "|" + info.Facility + "|" + formatTimestamp(c.opts.Now()) + "||ACK^" + info.Trigger + "|ACK" + info.ControlID + "|P|" + version,
		msa,
	}
	if code != "AA" && code != "CA" && text != "" {
		segs = append(segs, "ERR|"+hl7Escaper.Replace(text))
	}
	return wrapMLLP(segs), nil
}

// Unwrap 去掉 MLLP 包装
func Unwrap(block []byte) []byte {
	b := bytes.TrimPrefix(block, []byte{VT})
	b = bytes.TrimSuffix(b, []byte{CR})
	return bytes.TrimSuffix(b, []byte{FS})
}

// ParseAcks 读取 ACK/ORR 消息中的 MSA（msg 不含 MLLP 包装）
func ParseAcks(msg []byte) []Ack {
	m, err := parseHL7(msg)
	if err != nil {
		return nil
	}
	var acks []Ack
	for _, seg := range m.segments {
		if seg[0] == "MSA" {
			acks = append(acks, Ack{
				Code:      m.component(seg, 1, 0),
				ControlID: m.component(seg, 2, 0),
				Text:      m.component(seg, 3, 0),
			})
		}
	}
	return acks
}
