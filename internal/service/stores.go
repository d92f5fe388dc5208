package service

import (
	"database/sql"

	"wisefido-lis/internal/repository"
)

// Stores 服务依赖的全部 Repository
type Stores struct {
	Analyzers  repository.AnalyzerRepository
	Catalog    repository.CatalogRepository
	ConnLogs   repository.ConnectionLogRepository
	Frames     repository.FrameRepository
	Worklist   repository.WorklistRepository
	Results    repository.ResultRepository
	Unmapped   repository.UnmappedRepository
	Alerts     repository.AlertRepository
	QC         repository.QCRepository
	OrderItems repository.OrderItemRepository
}

// PostgresStores PostgreSQL 实现
func PostgresStores(db *sql.DB) Stores {
	analyzers := repository.NewPostgresAnalyzerRepository(db)
	results := repository.NewPostgresResultRepository(db)
	return Stores{
		Analyzers:  analyzers,
		Catalog:    analyzers,
		ConnLogs:   analyzers,
		Frames:     repository.NewPostgresFrameRepository(db),
		Worklist:   repository.NewPostgresWorklistRepository(db),
		Results:    results,
		Unmapped:   results,
		Alerts:     repository.NewPostgresAlertRepository(db),
		QC:         repository.NewPostgresQCRepository(db),
		OrderItems: repository.NewPostgresOrderItemRepository(db),
	}
}

// MemoryStores 内存实现（联调、测试）
func MemoryStores(m *repository.MemoryStore) Stores {
	return Stores{
		Analyzers:  m,
		Catalog:    m,
		ConnLogs:   m,
		Frames:     m,
		Worklist:   m,
		Results:    m,
		Unmapped:   m,
		Alerts:     m,
		QC:         m,
		OrderItems: m,
	}
}
