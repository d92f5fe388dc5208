package repository

import (
	"context"

	"wisefido-lis/internal/domain"
)

// OrderItemRepository 医嘱项目与状态迁移审计
type OrderItemRepository interface {
	CreateOrderItem(ctx context.Context, item *domain.OrderItem) error
	GetOrderItem(ctx context.Context, orderItemID string) (*domain.OrderItem, error)

	// 样本号 + 项目下可接收结果的医嘱项目
	ListOpenForResult(ctx context.Context, sampleID, testID string) ([]domain.OrderItem, error)
	ListBySample(ctx context.Context, sampleID, testID string) ([]domain.OrderItem, error)

	// 在同一事务中更新项目并追加审计记录；仅当库中状态仍为 t.From 时生效
	ApplyTransition(ctx context.Context, item *domain.OrderItem, t *domain.StateTransition) error

	ListTransitions(ctx context.Context, orderItemID string) ([]domain.StateTransition, error)
}
