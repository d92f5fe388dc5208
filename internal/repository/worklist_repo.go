package repository

import (
	"context"

	"wisefido-lis/internal/domain"
)

// WorklistRepository 工作单条目
type WorklistRepository interface {
	CreateEntry(ctx context.Context, entry *domain.WorklistEntry) error
	GetEntry(ctx context.Context, entryID string) (*domain.WorklistEntry, error)

	// 按 (analyzer, sample, test code) 查找，用于幂等下发
	FindEntry(ctx context.Context, analyzerID, sampleID, testCode string) (*domain.WorklistEntry, error)

	UpdateEntry(ctx context.Context, entry *domain.WorklistEntry) error

	// analyzerID 为空时不按仪器过滤
	ListEntries(ctx context.Context, analyzerID string, statuses ...domain.DispatchStatus) ([]domain.WorklistEntry, error)
}
