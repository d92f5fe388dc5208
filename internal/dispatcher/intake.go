package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "wisefido-lis/common/redis"
	"wisefido-lis/internal/connection"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/repository"
)

// EventOrderDispatch 医嘱服务写入下发流的消息类型
const EventOrderDispatch = "order_dispatch"

// OrderRequest 下发请求：一台仪器的一组医嘱项目
type OrderRequest struct {
	AnalyzerID string             `json:"analyzer_id"`
	Items      []domain.OrderItem `json:"items"`
}

// IntakeOptions 下发流消费参数
type IntakeOptions struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// OrderIntake 从 Redis Stream 读取下发请求
type OrderIntake struct {
	client     *redis.Client
	items      repository.OrderItemRepository
	dispatcher *Dispatcher
	opts       IntakeOptions
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrderIntake 创建下发流消费者
func NewOrderIntake(client *redis.Client, items repository.OrderItemRepository, d *Dispatcher, opts IntakeOptions, logger *zap.Logger) *OrderIntake {
	if opts.Count <= 0 {
		opts.Count = 10
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	return &OrderIntake{client: client, items: items, dispatcher: d, opts: opts, logger: logger}
}

// Start 创建消费者组并启动消费循环
func (in *OrderIntake) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, in.client, in.opts.Stream, in.opts.Group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", in.opts.Stream, err)
	}
	ctx, in.cancel = context.WithCancel(ctx)
	in.done = make(chan struct{})
	go in.run(ctx)

	in.logger.Info("Order intake started",
		zap.String("stream", in.opts.Stream),
		zap.String("consumer_group", in.opts.Group),
		zap.String("consumer_name", in.opts.Consumer),
	)
	return nil
}

// Stop 停止消费并等待循环退出
func (in *OrderIntake) Stop() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	<-in.done
}

func (in *OrderIntake) run(ctx context.Context) {
	defer close(in.done)
	backoff := connection.NewBackoff(time.Second, 30*time.Second)
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("Order intake stopped")
			return
		default:
		}

		if _, err := in.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoff.Next()
			in.logger.Error("Failed to read order stream", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		backoff.Reset()
	}
}

// Poll 读取并处理一批消息，返回处理条数
//
// 单条消息失败只记录日志并确认，失败的下发已记录在工作单条目中。
func (in *OrderIntake) Poll(ctx context.Context) (int, error) {
	msgs, err := rediscommon.ReadFromStream(ctx, in.client, in.opts.Stream, in.opts.Group, in.opts.Consumer, in.opts.Count, in.opts.Block)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if err := in.handle(ctx, msg); err != nil {
			in.logger.Error("Failed to handle order request",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		ids = append(ids, msg.ID)
	}
	if err := rediscommon.AckMessages(ctx, in.client, in.opts.Stream, in.opts.Group, ids...); err != nil {
		return len(msgs), fmt.Errorf("failed to ack order messages: %w", err)
	}
	return len(msgs), nil
}

func (in *OrderIntake) handle(ctx context.Context, msg rediscommon.StreamMessage) error {
	if t, _ := msg.Values["type"].(string); t != EventOrderDispatch {
		in.logger.Debug("Skipping stream message", zap.String("message_id", msg.ID), zap.String("type", t))
		return nil
	}
	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("%w: message %s has no data", domain.ErrInvalidArgument, msg.ID)
	}
	var req OrderRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return fmt.Errorf("%w: decode order request: %v", domain.ErrInvalidArgument, err)
	}
	if req.AnalyzerID == "" || len(req.Items) == 0 {
		return fmt.Errorf("%w: order request needs analyzer_id and items", domain.ErrInvalidArgument)
	}
	for i := range req.Items {
		if err := in.ensureItem(ctx, &req.Items[i]); err != nil {
			return err
		}
	}
	_, err := in.dispatcher.Dispatch(ctx, req.Items, req.AnalyzerID)
	return err
}

// ensureItem 医嘱项目首次出现时入库，初始状态 AwaitingSample
func (in *OrderIntake) ensureItem(ctx context.Context, item *domain.OrderItem) error {
	if item.OrderItemID == "" || item.SampleID == "" || item.TestID == "" {
		return fmt.Errorf("%w: order item needs id, sample and test", domain.ErrInvalidArgument)
	}
	_, err := in.items.GetOrderItem(ctx, item.OrderItemID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if item.State == "" {
		item.State = domain.StateAwaitingSample
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = in.dispatcher.opts.Now()
	}
	return in.items.CreateOrderItem(ctx, item)
}
