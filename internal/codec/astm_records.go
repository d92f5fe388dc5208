package codec

import (
	"strconv"
	"strings"

	"wisefido-lis/internal/domain"
)

// astmDelimiters E1394 分隔符，由 H 记录声明
type astmDelimiters struct {
	field, repeat, component, escape byte
}

var defaultASTMDelimiters = astmDelimiters{field: '|', repeat: '\\', component: '^', escape: '&'}

// recordParser 按记录顺序累积 P/O 上下文并产出 R 记录结果
type recordParser struct {
	protocol   domain.Protocol
	delims     astmDelimiters
	patientID  string
	sampleID   string
	haveOrder  bool
	isQC       bool
	qcLevel    string
	qcLot      string
	terminated bool

	results []domain.ParsedResult
	errs    []error
}

func newRecordParser(p domain.Protocol) *recordParser {
	return &recordParser{protocol: p, delims: defaultASTMDelimiters}
}

func (p *recordParser) feed(record []byte) {
	rec := strings.TrimRight(string(record), "\r\n")
	rec = strings.TrimLeft(rec, "\n")
	if rec == "" {
		return
	}

	switch rec[0] {
	case 'H', 'h':
		if len(rec) >= 5 {
			p.delims = astmDelimiters{field: rec[1], repeat: rec[2], component: rec[3], escape: rec[4]}
		}
		p.patientID, p.sampleID, p.haveOrder = "", "", false
		p.terminated = false
	case 'P', 'p':
		f := p.fields(rec)
		p.patientID = p.component(f, 2, 0)
		if p.patientID == "" {
			p.patientID = p.component(f, 3, 0)
		}
		p.sampleID, p.haveOrder = "", false
	case 'O', 'o':
		f := p.fields(rec)
		specimen := field(f, 2)
		if specimen == "" {
			specimen = field(f, 3)
		}
		comps := strings.Split(specimen, string(p.delims.component))
		p.sampleID, p.qcLevel, p.qcLot, p.isQC = qcIdentity(comps, field(f, 11))
		p.sampleID = p.unescape(p.sampleID)
		p.haveOrder = p.sampleID != ""
	case 'R', 'r':
		p.result(rec)
	case 'L', 'l':
		p.terminated = true
	case 'C', 'c', 'M', 'm', 'Q', 'q', 'S', 's':
		// 注释、厂商自定义、查询、科研记录不参与结果
	default:
		p.errs = append(p.errs, frameError(p.protocol, "unknown record type", []byte(rec)))
	}
}

func (p *recordParser) result(rec string) {
	if !p.haveOrder {
		p.errs = append(p.errs, frameError(p.protocol, "result record without order record", []byte(rec)))
		return
	}
	f := p.fields(rec)
	code := p.testCode(field(f, 2))
	if code == "" {
		p.errs = append(p.errs, frameError(p.protocol, "result record without test code", []byte(rec)))
		return
	}
	res := domain.ParsedResult{
		SampleID:        p.sampleID,
		PatientID:       p.patientID,
		TestCode:        code,
		RawValue:        p.unescape(p.component(f, 3, 0)),
		Unit:            p.unescape(p.component(f, 4, 0)),
		InstrumentFlags: field(f, 6),
		InstrumentTime:  parseTimestamp(field(f, 12)),
		IsQC:            p.isQC,
		QCLevel:         p.qcLevel,
		QCLot:           p.qcLot,
	}
	p.results = append(p.results, res)
}

// testCode 通用检验标识 ^^^CODE^...，取第 4 个分量起第一个非空值
func (p *recordParser) testCode(universal string) string {
	comps := strings.Split(universal, string(p.delims.component))
	for i := 3; i < len(comps); i++ {
		if c := strings.TrimSpace(comps[i]); c != "" {
			return c
		}
	}
	for _, c := range comps {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func (p *recordParser) fields(rec string) []string {
	return strings.Split(rec, string(p.delims.field))
}

func (p *recordParser) component(f []string, i, c int) string {
	comps := strings.Split(field(f, i), string(p.delims.component))
	if c < len(comps) {
		return strings.TrimSpace(comps[c])
	}
	return ""
}

// unescape 还原 &F& &S& &R& &E& 转义
func (p *recordParser) unescape(s string) string {
	esc := string(p.delims.escape)
	if !strings.Contains(s, esc) {
		return s
	}
	r := strings.NewReplacer(
		esc+"F"+esc, string(p.delims.field),
		esc+"S"+esc, string(p.delims.component),
		esc+"R"+esc, string(p.delims.repeat),
		esc+"E"+esc, esc,
	)
	return r.Replace(s)
}

func field(f []string, i int) string {
	if i < len(f) {
		return strings.TrimSpace(f[i])
	}
	return ""
}

// qcIdentity 识别质控样本：样本号形如 QC^<水平>^<批号>，或医嘱动作码为 Q
func qcIdentity(comps []string, actionCode string) (sampleID, level, lot string, isQC bool) {
	at := func(i int) string {
		if i < len(comps) {
			return strings.TrimSpace(comps[i])
		}
		return ""
	}
	if strings.EqualFold(at(0), "QC") {
		return strings.Join(comps, "^"), at(1), at(2), true
	}
	if strings.EqualFold(actionCode, "Q") {
		return at(0), at(1), at(2), true
	}
	return at(0), "", "", false
}

// astmEscaper 对输出字段中的分隔符转义
var astmEscaper = strings.NewReplacer(
	"&", "&E&",
	"|", "&F&",
	"^", "&S&",
	"\\", "&R&",
)

// buildASTMRecords 生成工作单记录：H, (P, O)*, L
func buildASTMRecords(entries []domain.WorklistEntry, opts Options) []string {
	ts := formatTimestamp(opts.Now())
	records := []string{
		"H|\\^&|||" + astmEscaper.Replace(opts.Sender) + "|||||" + astmEscaper.Replace(entries[0].AnalyzerID) + "||P|1|" + ts,
	}
	for i, g := range groupBySample(entries) {
		tests := make([]string, len(g.codes))
		for j, code := range g.codes {
			tests[j] = "^^^" + astmEscaper.Replace(code)
		}
		priority := "R"
		if g.stat {
			priority = "S"
		}
		records = append(records,
			"P|"+strconv.Itoa(i+1)+"||"+astmEscaper.Replace(g.patientID),
			"O|1|"+astmEscaper.Replace(g.sampleID)+"||"+strings.Join(tests, "\\")+"|"+priority+"|"+ts+"|||||N||||||||||||||O",
		)
	}
	return append(records, "L|1|N")
}
