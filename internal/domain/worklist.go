package domain

import "time"

// DispatchStatus 工作单条目发送状态
type DispatchStatus string

const (
	DispatchPending      DispatchStatus = "Pending"
	DispatchSent         DispatchStatus = "Sent"
	DispatchAcknowledged DispatchStatus = "Acknowledged"
	DispatchFailed       DispatchStatus = "Failed"
)

// WorklistEntry 下发给仪器的一条工作单（一个样本的一个项目）
type WorklistEntry struct {
	EntryID          string         `json:"entry_id"`
	AnalyzerID       string         `json:"analyzer_id"`
	OrderItemID      string         `json:"order_item_id"`
	SampleID         string         `json:"sample_id"`
	PatientID        string         `json:"patient_id,omitempty"`
	TestCode         string         `json:"test_code"` // 仪器本地代码
	Priority         string         `json:"priority,omitempty"`
	Status           DispatchStatus `json:"status"`
	AttemptCount     int            `json:"attempt_count"`
	LastAttemptAt    *time.Time     `json:"last_attempt_at,omitempty"`
	MessageControlID string         `json:"message_control_id,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Open 仍在等待确认
func (e WorklistEntry) Open() bool {
	return e.Status == DispatchPending || e.Status == DispatchSent
}

// Stat 是否为急诊优先级
func (e WorklistEntry) Stat() bool {
	return e.Priority == "S" || e.Priority == "STAT"
}
