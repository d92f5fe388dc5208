package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StateCache 将会话状态写入 KV，供其他服务查询仪器在线情况
type StateCache struct {
	kv      KVStore
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewStateCache 创建状态缓存；key 为 <prefix>:<analyzer_id>:state
func NewStateCache(kv KVStore, prefix string, ttl time.Duration, logger *zap.Logger) *StateCache {
	if prefix == "" {
		prefix = "lis:analyzer"
	}
	return &StateCache{kv: kv, prefix: prefix, ttl: ttl, timeout: 2 * time.Second, logger: logger}
}

func (c *StateCache) key(analyzerID string) string {
	return fmt.Sprintf("%s:%s:state", c.prefix, analyzerID)
}

// OnStateChange 实现 StateObserver，写缓存失败只记录日志
func (c *StateCache) OnStateChange(status Status, _ State) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.Put(ctx, status); err != nil {
		c.logger.Warn("Failed to cache analyzer state",
			zap.String("analyzer_id", status.AnalyzerID),
			zap.Error(err),
		)
	}
}

// Put 写入状态
func (c *StateCache) Put(ctx context.Context, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal analyzer state: %w", err)
	}
	if err := c.kv.Set(ctx, c.key(status.AnalyzerID), string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Get 读取状态，不存在返回 ErrCacheMiss
func (c *StateCache) Get(ctx context.Context, analyzerID string) (*Status, error) {
	raw, err := c.kv.Get(ctx, c.key(analyzerID))
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analyzer state: %w", err)
	}
	return &status, nil
}
