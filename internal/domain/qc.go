package domain

import "time"

// QCVerdict 质控判定
type QCVerdict string

const (
	QCAccept           QCVerdict = "accept"
	QCReject           QCVerdict = "reject"
	QCInsufficientData QCVerdict = "insufficient_data"
)

// QCKey 质控序列标识
type QCKey struct {
	AnalyzerID string `json:"analyzer_id"`
	TestID     string `json:"test_id"`
	Level      string `json:"level"`
	Lot        string `json:"lot"`
}

// QCRun 一次质控测定，写入后不可修改（覆盖判定只追加标注）
type QCRun struct {
	RunID      string    `json:"run_id"`
	AnalyzerID string    `json:"analyzer_id"`
	TestID     string    `json:"test_id"`
	Level      string    `json:"level"`
	Lot        string    `json:"lot"`
	Value      float64   `json:"value"`
	RunAt      time.Time `json:"run_at"`

	// 以下统计量基于本次之前的可用序列
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	SD     float64 `json:"sd"`
	CV     float64 `json:"cv"`
	ZScore float64 `json:"z_score"`

	Verdict      QCVerdict `json:"verdict"`
	Violations   []string  `json:"violations,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`

	OverriddenBy   string     `json:"overridden_by,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
}

// Key 质控序列标识
func (r QCRun) Key() QCKey {
	return QCKey{AnalyzerID: r.AnalyzerID, TestID: r.TestID, Level: r.Level, Lot: r.Lot}
}

// Releasable 是否允许放行患者结果
func (r QCRun) Releasable() bool {
	return r.Verdict == QCAccept || r.OverriddenBy != ""
}
