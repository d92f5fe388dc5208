package connection

import "time"

// State 仪器会话状态
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateHandshaking  State = "Handshaking"
	StateReady        State = "Ready"
	StateReconnecting State = "Reconnecting"
)

// Status 会话状态快照
type Status struct {
	AnalyzerID string    `json:"analyzer_id"`
	State      State     `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	Since      time.Time `json:"since"`
	LastError  string    `json:"last_error,omitempty"`
	Attempts   int       `json:"attempts"`
}

// StateObserver 接收会话状态变化（状态缓存、指标、日志）
type StateObserver interface {
	OnStateChange(status Status, from State)
}

// ObserverFunc 函数适配器
type ObserverFunc func(status Status, from State)

// OnStateChange 实现 StateObserver
func (f ObserverFunc) OnStateChange(status Status, from State) { f(status, from) }

// Observers 依次通知多个观察者
type Observers []StateObserver

// OnStateChange 实现 StateObserver
func (o Observers) OnStateChange(status Status, from State) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStateChange(status, from)
		}
	}
}
