package repository

import (
	"context"
	"time"

	"wisefido-lis/internal/domain"
)

// ResultRepository 已匹配结果
type ResultRepository interface {
	CreateResult(ctx context.Context, result *domain.ResolvedResult) error
	GetResult(ctx context.Context, resultID string) (*domain.ResolvedResult, error)

	// 按来源键查找，重放的帧据此识别
	FindBySource(ctx context.Context, analyzerID string, sequence int64, sampleID, testCode string) (*domain.ResolvedResult, error)

	// 同一患者同一项目在 [since, before) 内最近一条未作废的数值结果，excludeID 除外
	PreviousResult(ctx context.Context, patientID, testID string, since, before time.Time, excludeID string) (*domain.ResolvedResult, error)

	// 写入参考范围判定与差值标记
	UpdateEvaluation(ctx context.Context, resultID string, flag domain.ResultFlag, criticalDelta bool) error

	MarkSuperseded(ctx context.Context, resultID string) error
}

// UnmappedFilter 未匹配结果查询条件
type UnmappedFilter struct {
	AnalyzerID string
	Status     domain.UnmappedStatus
	Limit      int
}

// UnmappedRepository 未匹配结果
type UnmappedRepository interface {
	CreateUnmapped(ctx context.Context, u *domain.UnmappedResult) error
	GetUnmapped(ctx context.Context, unmappedID string) (*domain.UnmappedResult, error)
	ExistsSource(ctx context.Context, analyzerID string, sequence int64, sampleID, testCode string) (bool, error)
	ListUnmapped(ctx context.Context, filter UnmappedFilter) ([]domain.UnmappedResult, error)
	UpdateUnmapped(ctx context.Context, u *domain.UnmappedResult) error
}
