package repository

import (
	"context"

	"wisefido-lis/internal/domain"
)

// AnalyzerRepository 仪器配置（由配置服务维护，本服务只读）
type AnalyzerRepository interface {
	ListActiveAnalyzers(ctx context.Context) ([]domain.Analyzer, error)
	GetAnalyzer(ctx context.Context, analyzerID string) (*domain.Analyzer, error)
}

// CatalogRepository 项目映射、参考范围、危急值阈值、差值规则
type CatalogRepository interface {
	LoadCatalog(ctx context.Context) (*domain.Catalog, error)
}

// ConnectionLogRepository 会话状态变化记录
type ConnectionLogRepository interface {
	AppendConnectionLog(ctx context.Context, log *domain.ConnectionLog) error
	ListConnectionLogs(ctx context.Context, analyzerID string, limit int) ([]domain.ConnectionLog, error)
}
