package repository

import (
	"context"

	"wisefido-lis/internal/domain"
)

// AlertRepository 危急值告警与差值检查
type AlertRepository interface {
	// 同一结果只允许一条告警；已存在时返回 created=false 与已有告警
	CreateAlert(ctx context.Context, alert *domain.CriticalValueAlert) (existing *domain.CriticalValueAlert, created bool, err error)
	GetAlert(ctx context.Context, alertID string) (*domain.CriticalValueAlert, error)
	ListAlertsByResult(ctx context.Context, resultID string) ([]domain.CriticalValueAlert, error)

	// Open 与 Escalated 状态的告警
	ListOpenAlerts(ctx context.Context) ([]domain.CriticalValueAlert, error)

	// 仅当当前状态为 from 时更新，返回是否更新
	UpdateAlertState(ctx context.Context, alert *domain.CriticalValueAlert, from domain.AlertState) (bool, error)

	CreateDelta(ctx context.Context, d *domain.DeltaCheck) error
	GetDelta(ctx context.Context, deltaID string) (*domain.DeltaCheck, error)
	ListDeltasByResult(ctx context.Context, resultID string) ([]domain.DeltaCheck, error)
	AcknowledgeDelta(ctx context.Context, deltaID, user string) error
}
