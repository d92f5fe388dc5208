package repository

import (
	"context"
	"time"

	"wisefido-lis/internal/domain"
)

// QCRepository 质控测定（只追加）
type QCRepository interface {
	CreateRun(ctx context.Context, run *domain.QCRun) error
	GetRun(ctx context.Context, runID string) (*domain.QCRun, error)

	// 序列中 run_at 早于 before 的最近 limit 条，按时间升序
	ListSeries(ctx context.Context, key domain.QCKey, before time.Time, limit int) ([]domain.QCRun, error)

	// 某仪器某项目在 [from, to) 内的全部测定（各水平、批号）
	ListRunsBetween(ctx context.Context, analyzerID, testID string, from, to time.Time) ([]domain.QCRun, error)

	// 只写 overridden_* 列；已覆盖时返回 ErrInvalidTransition
	Override(ctx context.Context, runID, user, reason string, at time.Time) error
}
