package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/repository"
)

type mappingKey struct {
	analyzerID string
	code       string
}

// Snapshot 只读项目配置快照，发布后不再修改
type Snapshot struct {
	LoadedAt time.Time

	mappings   map[mappingKey]domain.TestMapping
	byTest     map[mappingKey][]domain.TestMapping // (analyzer, test_id) -> 本地代码
	ranges     map[string][]domain.ReferenceRange
	thresholds map[string][]domain.CriticalThreshold
	deltaRules map[string]domain.DeltaRule
}

// NewSnapshot 从配置构建快照
func NewSnapshot(c domain.Catalog, at time.Time) *Snapshot {
	s := &Snapshot{
		LoadedAt:   at,
		mappings:   make(map[mappingKey]domain.TestMapping, len(c.Mappings)),
		byTest:     make(map[mappingKey][]domain.TestMapping),
		ranges:     make(map[string][]domain.ReferenceRange),
		thresholds: make(map[string][]domain.CriticalThreshold),
		deltaRules: make(map[string]domain.DeltaRule, len(c.DeltaRules)),
	}
	for _, m := range c.Mappings {
		if !m.IsActive {
			continue
		}
		s.mappings[mappingKey{m.AnalyzerID, m.LocalCode}] = m
		k := mappingKey{m.AnalyzerID, m.TestID}
		s.byTest[k] = append(s.byTest[k], m)
	}
	for _, r := range c.Ranges {
		s.ranges[r.TestID] = append(s.ranges[r.TestID], r)
	}
	for _, t := range c.Thresholds {
		s.thresholds[t.TestID] = append(s.thresholds[t.TestID], t)
	}
	for _, d := range c.DeltaRules {
		s.deltaRules[d.TestID] = d
	}
	return s
}

// Mapping 仪器本地代码 -> 检验项目
func (s *Snapshot) Mapping(analyzerID, localCode string) (domain.TestMapping, bool) {
	m, ok := s.mappings[mappingKey{analyzerID, localCode}]
	return m, ok
}

// CodesFor 检验项目在某仪器上的本地代码（下发工作单用）
func (s *Snapshot) CodesFor(analyzerID, testID string) []domain.TestMapping {
	return s.byTest[mappingKey{analyzerID, testID}]
}

// ReferenceRange 适用的参考范围，多条适用时取最具体的一条
func (s *Snapshot) ReferenceRange(testID string, sex domain.Sex, ageDays int) (domain.ReferenceRange, bool) {
	var (
		best  domain.ReferenceRange
		score = -1
	)
	for _, r := range s.ranges[testID] {
		if !r.Matches(sex, ageDays) {
			continue
		}
		if sp := r.Specificity(); sp > score {
			best, score = r, sp
		}
	}
	return best, score >= 0
}

// Threshold 适用的危急值阈值
func (s *Snapshot) Threshold(testID string, sex domain.Sex, ageDays int) (domain.CriticalThreshold, bool) {
	var (
		best  domain.CriticalThreshold
		score = -1
	)
	for _, t := range s.thresholds[testID] {
		if !t.Matches(sex, ageDays) {
			continue
		}
		if sp := t.Specificity(); sp > score {
			best, score = t, sp
		}
	}
	return best, score >= 0
}

// DeltaRule 差值检查规则
func (s *Snapshot) DeltaRule(testID string) (domain.DeltaRule, bool) {
	d, ok := s.deltaRules[testID]
	return d, ok
}

// Store 通过 atomic.Pointer 发布快照，读取无锁
type Store struct {
	repo   repository.CatalogRepository
	logger *zap.Logger
	cur    atomic.Pointer[Snapshot]

	onReload func(s *Snapshot)
}

// NewStore 创建配置存储，初始为空快照
func NewStore(repo repository.CatalogRepository, logger *zap.Logger) *Store {
	s := &Store{repo: repo, logger: logger}
	s.cur.Store(NewSnapshot(domain.Catalog{}, time.Time{}))
	return s
}

// OnReload 每次发布新快照后回调
func (s *Store) OnReload(fn func(s *Snapshot)) {
	s.onReload = fn
}

// Snapshot 当前快照
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// Replace 直接发布配置
func (s *Store) Replace(c domain.Catalog) {
	snap := NewSnapshot(c, time.Now())
	s.cur.Store(snap)
	if s.onReload != nil {
		s.onReload(snap)
	}
}

// Reload 从数据库读取并发布；失败时保留旧快照
func (s *Store) Reload(ctx context.Context) error {
	c, err := s.repo.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload catalog: %w", err)
	}
	s.Replace(*c)
	s.logger.Debug("Catalog reloaded",
		zap.Int("mappings", len(c.Mappings)),
		zap.Int("ranges", len(c.Ranges)),
		zap.Int("thresholds", len(c.Thresholds)),
		zap.Int("delta_rules", len(c.DeltaRules)),
	)
	return nil
}

// Watch 周期性重新加载，直到 ctx 取消
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("Catalog reload failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
