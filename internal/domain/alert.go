package domain

import "time"

// ThresholdKind 触发危急值告警的阈值类型
type ThresholdKind string

const (
	ThresholdCriticalLow  ThresholdKind = "critical_low"
	ThresholdCriticalHigh ThresholdKind = "critical_high"
	ThresholdPanicLow     ThresholdKind = "panic_low"
	ThresholdPanicHigh    ThresholdKind = "panic_high"
)

// AlertState 危急值告警状态
type AlertState string

const (
	AlertOpen                  AlertState = "Open"
	AlertAcknowledged          AlertState = "Acknowledged"
	AlertEscalated             AlertState = "Escalated"
	AlertEscalatedAcknowledged AlertState = "EscalatedAcknowledged"
)

// CriticalValueAlert 危急值告警
type CriticalValueAlert struct {
	AlertID           string        `json:"alert_id"`
	ResultID          string        `json:"result_id"`
	OrderItemID       string        `json:"order_item_id"`
	AnalyzerID        string        `json:"analyzer_id"`
	PatientID         string        `json:"patient_id"`
	TestID            string        `json:"test_id"`
	Value             float64       `json:"value"`
	Threshold         ThresholdKind `json:"threshold"`
	ThresholdValue    float64       `json:"threshold_value"`
	Deadline          time.Time     `json:"deadline"`
	State             AlertState    `json:"state"`
	EscalationCount   int           `json:"escalation_count"`
	EscalatedAt       *time.Time    `json:"escalated_at,omitempty"`
	NotificationCount int           `json:"notification_count"`
	AcknowledgedBy    string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Acknowledged 是否已被确认（含升级后确认）
func (a CriticalValueAlert) Acknowledged() bool {
	return a.State == AlertAcknowledged || a.State == AlertEscalatedAcknowledged
}

// DeltaCheck 同一患者同一项目前后两次结果差值超限的记录
type DeltaCheck struct {
	DeltaID          string     `json:"delta_id"`
	ResultID         string     `json:"result_id"`
	PreviousResultID string     `json:"previous_result_id"`
	OrderItemID      string     `json:"order_item_id"`
	PatientID        string     `json:"patient_id"`
	TestID           string     `json:"test_id"`
	Value            float64    `json:"value"`
	PreviousValue    float64    `json:"previous_value"`
	DeltaPercent     float64    `json:"delta_percent"`
	LimitPercent     float64    `json:"limit_percent"`
	AcknowledgedBy   string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
