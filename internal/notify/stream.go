package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	rediscommon "wisefido-lis/common/redis"
)

// StreamNotifier 写入 Redis Stream，字段 type/data/timestamp
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamNotifier 创建 Redis Stream 投递
func NewStreamNotifier(client *redis.Client, stream string, maxLen int64) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify 发布事件
func (s *StreamNotifier) Notify(ctx context.Context, ev Event) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, string(ev.Type), ev); err != nil {
		return fmt.Errorf("failed to publish %s to stream: %w", ev.Type, err)
	}
	return nil
}
