package domain

import "time"

// OrderItemState 医嘱项目状态
type OrderItemState string

const (
	StateAwaitingSample      OrderItemState = "AwaitingSample"
	StateAwaitingResult      OrderItemState = "AwaitingResult"
	StatePreliminaryApproved OrderItemState = "PreliminaryApproved"
	StateFinalApproved       OrderItemState = "FinalApproved"
	StateCancelled           OrderItemState = "Cancelled"
	StateRerun               OrderItemState = "Rerun"
)

// Sex 性别；SexAny 表示不区分
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexAny    Sex = "U"
)

// OrderItem 医嘱中的一个检验项目
type OrderItem struct {
	OrderItemID      string         `json:"order_item_id"`
	OrderID          string         `json:"order_id"`
	PatientID        string         `json:"patient_id"`
	PatientSex       Sex            `json:"patient_sex"`
	PatientBirthDate *time.Time     `json:"patient_birth_date,omitempty"`
	SampleID         string         `json:"sample_id"`
	TestID           string         `json:"test_id"`
	Priority         string         `json:"priority,omitempty"`
	State            OrderItemState `json:"state"`
	ResultID         string         `json:"result_id,omitempty"`   // 当前结果
	AnalyzerID       string         `json:"analyzer_id,omitempty"` // 出结果的仪器
	RerunCount       int            `json:"rerun_count"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OpenForResult 是否可以接收仪器结果
func (o OrderItem) OpenForResult() bool {
	return (o.State == StateAwaitingResult || o.State == StateRerun) && o.ResultID == ""
}

// AgeDays 某时刻的年龄（天），出生日期未知返回 -1
func (o OrderItem) AgeDays(at time.Time) int {
	if o.PatientBirthDate == nil {
		return -1
	}
	d := int(at.Sub(*o.PatientBirthDate).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// StateTransition 状态迁移审计记录
type StateTransition struct {
	TransitionID string         `json:"transition_id"`
	OrderItemID  string         `json:"order_item_id"`
	From         OrderItemState `json:"from"`
	To           OrderItemState `json:"to"`
	UserID       string         `json:"user_id"`
	Reason       string         `json:"reason,omitempty"`
	ResultID     string         `json:"result_id,omitempty"`
	At           time.Time      `json:"at"`
}
