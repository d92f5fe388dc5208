package domain

import (
	"fmt"
	"time"
)

// TransportKind 仪器物理连接方式
type TransportKind string

const (
	TransportSerial TransportKind = "serial"
	TransportTCP    TransportKind = "tcp"
)

// Protocol 仪器通信协议
type Protocol string

const (
	ProtocolHL7      Protocol = "HL7"      // HL7 v2 over MLLP
	ProtocolASTM1381 Protocol = "ASTM1381" // E1381 低层帧 + E1394 记录
	ProtocolASTM1394 Protocol = "ASTM1394" // 仅 E1394 记录，CR 分隔
)

// Valid 是否为支持的协议
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHL7, ProtocolASTM1381, ProtocolASTM1394:
		return true
	}
	return false
}

// Analyzer 检验仪器（lab_analyzers）
type Analyzer struct {
	AnalyzerID   string        `json:"analyzer_id"`
	Code         string        `json:"code"`
	Name         string        `json:"name"`
	Manufacturer string        `json:"manufacturer,omitempty"`
	Model        string        `json:"model,omitempty"`
	Transport    TransportKind `json:"transport"`
	Protocol     Protocol      `json:"protocol"`

	// 串口参数
	SerialPort string `json:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty"`
	DataBits   int    `json:"data_bits,omitempty"`
	Parity     string `json:"parity,omitempty"` // none, odd, even, mark, space
	StopBits   int    `json:"stop_bits,omitempty"`

	// TCP 参数
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address 连接地址（串口名或 host:port）
func (a Analyzer) Address() string {
	if a.Transport == TransportSerial {
		return a.SerialPort
	}
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// TestMapping 仪器本地项目代码到检验项目的映射
type TestMapping struct {
	MappingID        string  `json:"mapping_id"`
	AnalyzerID       string  `json:"analyzer_id"`
	LocalCode        string  `json:"local_code"`
	TestID           string  `json:"test_id"`
	ConversionFactor float64 `json:"conversion_factor"`
	Unit             string  `json:"unit,omitempty"`
	IsActive         bool    `json:"is_active"`
}

// Factor 换算系数，未配置时为 1
func (m TestMapping) Factor() float64 {
	if m.ConversionFactor == 0 {
		return 1
	}
	return m.ConversionFactor
}

// ConnectionLog 仪器会话状态变化记录（lab_connection_logs）
type ConnectionLog struct {
	LogID      string    `json:"log_id"`
	AnalyzerID string    `json:"analyzer_id"`
	SessionID  string    `json:"session_id,omitempty"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
