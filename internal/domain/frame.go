package domain

import "time"

// RawFrame 从仪器连接读到的一段原始字节
// Sequence 对同一仪器单调递增，跨会话与重启保持
type RawFrame struct {
	AnalyzerID string    `json:"analyzer_id"`
	SessionID  string    `json:"session_id"`
	Sequence   int64     `json:"sequence"`
	ReceivedAt time.Time `json:"received_at"`
	Data       []byte    `json:"data"`
}

// Watermark 仪器已处理到的最高帧序号，以及解码器未消费的残余字节
type Watermark struct {
	AnalyzerID string    `json:"analyzer_id"`
	Sequence   int64     `json:"sequence"`
	Remainder  []byte    `json:"remainder,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
