package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Publisher MQTT 发布（common/mqtt.Client 满足）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Subscriber MQTT 订阅（common/mqtt.Client 满足）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
}

// MQTTNotifier 告警类事件发布到 <prefix>/<analyzer_id>，供寻呼/短信网关消费
type MQTTNotifier struct {
	pub    Publisher
	prefix string
	qos    byte
}

// NewMQTTNotifier 创建 MQTT 投递
func NewMQTTNotifier(pub Publisher, prefix string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

// Topic 某仪器的告警主题
func (m *MQTTNotifier) Topic(analyzerID string) string {
	if analyzerID == "" {
		analyzerID = "unknown"
	}
	return m.prefix + "/" + analyzerID
}

// Notify 发布事件
func (m *MQTTNotifier) Notify(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := m.pub.Publish(m.Topic(ev.AnalyzerID), m.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish %s to mqtt: %w", ev.Type, err)
	}
	return nil
}

// AckMessage 网关回传的告警确认
type AckMessage struct {
	AlertID string `json:"alert_id"`
	User    string `json:"user"`
}

// AckHandler 处理告警确认
type AckHandler func(ctx context.Context, alertID, user string) error

// SubscribeAcks 订阅 <prefix>/+/ack，收到确认后调用 handler
func SubscribeAcks(ctx context.Context, sub Subscriber, prefix string, qos byte, handler AckHandler, logger *zap.Logger) error {
	topic := strings.TrimSuffix(prefix, "/") + "/+/ack"
	return sub.Subscribe(topic, qos, func(topic string, payload []byte) error {
		var msg AckMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("Invalid alert ack payload", zap.String("topic", topic), zap.Error(err))
			return err
		}
		if msg.AlertID == "" || msg.User == "" {
			return fmt.Errorf("alert ack on %s missing alert_id or user", topic)
		}
		if err := handler(ctx, msg.AlertID, msg.User); err != nil {
			logger.Warn("Alert ack rejected",
				zap.String("alert_id", msg.AlertID),
				zap.String("user", msg.User),
				zap.Error(err),
			)
			return err
		}
		logger.Info("Alert acknowledged via gateway", zap.String("alert_id", msg.AlertID), zap.String("user", msg.User))
		return nil
	})
}
