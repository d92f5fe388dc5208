package domain

import (
	"strconv"
	"strings"
	"time"
)

// ParsedResult 解码器输出的单个结果，尚未与医嘱匹配
type ParsedResult struct {
	SampleID        string     `json:"sample_id"`
	PatientID       string     `json:"patient_id,omitempty"`
	TestCode        string     `json:"test_code"`
	RawValue        string     `json:"raw_value"`
	Unit            string     `json:"unit,omitempty"`
	InstrumentFlags string     `json:"instrument_flags,omitempty"`
	InstrumentTime  *time.Time `json:"instrument_time,omitempty"`
	IsQC            bool       `json:"is_qc,omitempty"`
	QCLevel         string     `json:"qc_level,omitempty"`
	QCLot           string     `json:"qc_lot,omitempty"`
}

// NumericValue 解析数值结果；"<5"、">500"、"POS" 等返回 false
func (p ParsedResult) NumericValue() (float64, bool) {
	s := strings.TrimSpace(p.RawValue)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ResultFlag 参考范围判定
type ResultFlag string

const (
	FlagNone         ResultFlag = ""
	FlagNormal       ResultFlag = "N"
	FlagHigh         ResultFlag = "H"
	FlagLow          ResultFlag = "L"
	FlagCriticalHigh ResultFlag = "HH"
	FlagCriticalLow  ResultFlag = "LL"
)

// ResolvedResult 已匹配到医嘱项目的结果
type ResolvedResult struct {
	ResultID        string     `json:"result_id"`
	AnalyzerID      string     `json:"analyzer_id"`
	OrderItemID     string     `json:"order_item_id"`
	TestID          string     `json:"test_id"`
	TestCode        string     `json:"test_code"`
	SampleID        string     `json:"sample_id"`
	PatientID       string     `json:"patient_id"`
	RawValue        string     `json:"raw_value"`
	Value           *float64   `json:"value,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	InstrumentFlags string     `json:"instrument_flags,omitempty"`
	Flag            ResultFlag `json:"flag"`
	CriticalDelta   bool       `json:"critical_delta"`
	Sequence        int64      `json:"sequence"`
	InstrumentTime  *time.Time `json:"instrument_time,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	Superseded      bool       `json:"superseded"`
	ResolvedBy      string     `json:"resolved_by,omitempty"` // 人工关联时的操作员
	EvaluatedAt     *time.Time `json:"evaluated_at,omitempty"`
}

// ObservedAt 结果时间：优先仪器时间
func (r ResolvedResult) ObservedAt() time.Time {
	if r.InstrumentTime != nil {
		return *r.InstrumentTime
	}
	return r.ReceivedAt
}

// Evaluated 危急值与差值评估是否已完成
func (r ResolvedResult) Evaluated() bool {
	return r.EvaluatedAt != nil
}

// SameReading 是否为同一读数的重传
func (r ResolvedResult) SameReading(p ParsedResult) bool {
	if r.RawValue != p.RawValue {
		return false
	}
	if r.InstrumentTime == nil || p.InstrumentTime == nil {
		return r.InstrumentTime == nil && p.InstrumentTime == nil
	}
	return r.InstrumentTime.Equal(*p.InstrumentTime)
}

// UnmappedReason 未匹配原因
type UnmappedReason string

const (
	ReasonUnknownTestCode UnmappedReason = "unknown_test_code"
	ReasonNoOpenOrder     UnmappedReason = "no_open_order"
	ReasonAmbiguousOrder  UnmappedReason = "ambiguous_order"
	ReasonNonNumericQC    UnmappedReason = "non_numeric_qc"
)

// UnmappedStatus 未匹配结果处理状态
type UnmappedStatus string

const (
	UnmappedOpen      UnmappedStatus = "Open"
	UnmappedResolved  UnmappedStatus = "Resolved"
	UnmappedDiscarded UnmappedStatus = "Discarded"
)

// UnmappedResult 无法自动匹配、等待人工处理的结果
type UnmappedResult struct {
	UnmappedID          string         `json:"unmapped_id"`
	AnalyzerID          string         `json:"analyzer_id"`
	Sequence            int64          `json:"sequence"`
	Result              ParsedResult   `json:"result"`
	Reason              UnmappedReason `json:"reason"`
	Detail              string         `json:"detail,omitempty"`
	Status              UnmappedStatus `json:"status"`
	ResolvedOrderItemID string         `json:"resolved_order_item_id,omitempty"`
	ResolvedBy          string         `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
	Note                string         `json:"note,omitempty"`
	ReceivedAt          time.Time      `json:"received_at"`
	CreatedAt           time.Time      `json:"created_at"`
}
