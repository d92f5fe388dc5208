package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wisefido-lis/internal/domain"
)

// MemoryStore 内存实现，用于 DB 未就绪时的联调以及引擎测试
// - 实现全部 Repository 接口
// - 读写都做值拷贝，调用方拿到的对象与存储互不影响
type MemoryStore struct {
	mu sync.RWMutex

	analyzers map[string]domain.Analyzer
	catalog   domain.Catalog
	connLogs  []domain.ConnectionLog

	frames     map[string][]domain.RawFrame // analyzerID -> 按序号升序
	watermarks map[string]domain.Watermark

	worklist map[string]domain.WorklistEntry

	results  map[string]domain.ResolvedResult
	unmapped map[string]domain.UnmappedResult

	alerts map[string]domain.CriticalValueAlert
	deltas map[string]domain.DeltaCheck

	qcRuns map[string]domain.QCRun

	orderItems  map[string]domain.OrderItem
	transitions map[string][]domain.StateTransition
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		analyzers:   map[string]domain.Analyzer{},
		frames:      map[string][]domain.RawFrame{},
		watermarks:  map[string]domain.Watermark{},
		worklist:    map[string]domain.WorklistEntry{},
		results:     map[string]domain.ResolvedResult{},
		unmapped:    map[string]domain.UnmappedResult{},
		alerts:      map[string]domain.CriticalValueAlert{},
		deltas:      map[string]domain.DeltaCheck{},
		qcRuns:      map[string]domain.QCRun{},
		orderItems:  map[string]domain.OrderItem{},
		transitions: map[string][]domain.StateTransition{},
	}
}

var (
	_ AnalyzerRepository      = (*MemoryStore)(nil)
	_ CatalogRepository       = (*MemoryStore)(nil)
	_ ConnectionLogRepository = (*MemoryStore)(nil)
	_ FrameRepository         = (*MemoryStore)(nil)
	_ WorklistRepository      = (*MemoryStore)(nil)
	_ ResultRepository        = (*MemoryStore)(nil)
	_ UnmappedRepository      = (*MemoryStore)(nil)
	_ AlertRepository         = (*MemoryStore)(nil)
	_ QCRepository            = (*MemoryStore)(nil)
	_ OrderItemRepository     = (*MemoryStore)(nil)
)

// ---- analyzers / catalog ----

// PutAnalyzer 写入仪器配置
func (s *MemoryStore) PutAnalyzer(a domain.Analyzer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AnalyzerID == "" {
		a.AnalyzerID = uuid.NewString()
	}
	s.analyzers[a.AnalyzerID] = a
}

// SetCatalog 替换项目配置
func (s *MemoryStore) SetCatalog(c domain.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = c
}

func (s *MemoryStore) ListActiveAnalyzers(_ context.Context) ([]domain.Analyzer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Analyzer, 0, len(s.analyzers))
	for _, a := range s.analyzers {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) GetAnalyzer(_ context.Context, analyzerID string) (*domain.Analyzer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyzers[analyzerID]
	if !ok {
		return nil, fmt.Errorf("analyzer %s: %w", analyzerID, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) LoadCatalog(_ context.Context) (*domain.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := domain.Catalog{
		Mappings:   append([]domain.TestMapping(nil), s.catalog.Mappings...),
		Ranges:     append([]domain.ReferenceRange(nil), s.catalog.Ranges...),
		Thresholds: append([]domain.CriticalThreshold(nil), s.catalog.Thresholds...),
		DeltaRules: append([]domain.DeltaRule(nil), s.catalog.DeltaRules...),
	}
	return &c, nil
}

func (s *MemoryStore) AppendConnectionLog(_ context.Context, log *domain.ConnectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.LogID == "" {
		log.LogID = uuid.NewString()
	}
	s.connLogs = append(s.connLogs, *log)
	return nil
}

func (s *MemoryStore) ListConnectionLogs(_ context.Context, analyzerID string, limit int) ([]domain.ConnectionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ConnectionLog
	for i := len(s.connLogs) - 1; i >= 0; i-- {
		if s.connLogs[i].AnalyzerID != analyzerID {
			continue
		}
		out = append(out, s.connLogs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---- frames ----

func copyFrame(f domain.RawFrame) domain.RawFrame {
	f.Data = append([]byte(nil), f.Data...)
	return f
}

func (s *MemoryStore) AppendFrame(_ context.Context, frame domain.RawFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.frames[frame.AnalyzerID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= frame.Sequence })
	if i < len(list) && list[i].Sequence == frame.Sequence {
		return nil
	}
	list = append(list, domain.RawFrame{})
	copy(list[i+1:], list[i:])
	list[i] = copyFrame(frame)
	s.frames[frame.AnalyzerID] = list
	return nil
}

func (s *MemoryStore) LastSequence(_ context.Context, analyzerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.frames[analyzerID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Sequence, nil
}

func (s *MemoryStore) ListFramesAfter(_ context.Context, analyzerID string, after int64, limit int) ([]domain.RawFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RawFrame
	for _, f := range s.frames[analyzerID] {
		if f.Sequence <= after {
			continue
		}
		out = append(out, copyFrame(f))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetWatermark(_ context.Context, analyzerID string) (*domain.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wm, ok := s.watermarks[analyzerID]
	if !ok {
		return nil, fmt.Errorf("watermark %s: %w", analyzerID, domain.ErrNotFound)
	}
	wm.Remainder = append([]byte(nil), wm.Remainder...)
	return &wm, nil
}

func (s *MemoryStore) SaveWatermark(_ context.Context, wm domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watermarks[wm.AnalyzerID]; ok && cur.Sequence > wm.Sequence {
		return nil
	}
	wm.Remainder = append([]byte(nil), wm.Remainder...)
	s.watermarks[wm.AnalyzerID] = wm
	return nil
}

// ---- worklist ----

func (s *MemoryStore) CreateEntry(_ context.Context, e *domain.WorklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.worklist {
		if cur.AnalyzerID == e.AnalyzerID && cur.SampleID == e.SampleID && cur.TestCode == e.TestCode {
			return fmt.Errorf("worklist entry %s/%s already exists", e.SampleID, e.TestCode)
		}
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	s.worklist[e.EntryID] = *e
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, entryID string) (*domain.WorklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.worklist[entryID]
	if !ok {
		return nil, fmt.Errorf("worklist entry %s: %w", entryID, domain.ErrNotFound)
	}
	return &e, nil
}

func (s *MemoryStore) FindEntry(_ context.Context, analyzerID, sampleID, testCode string) (*domain.WorklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.worklist {
		if e.AnalyzerID == analyzerID && e.SampleID == sampleID && e.TestCode == testCode {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("worklist entry %s/%s: %w", sampleID, testCode, domain.ErrNotFound)
}

func (s *MemoryStore) UpdateEntry(_ context.Context, e *domain.WorklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worklist[e.EntryID]; !ok {
		return fmt.Errorf("worklist entry %s: %w", e.EntryID, domain.ErrNotFound)
	}
	s.worklist[e.EntryID] = *e
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context, analyzerID string, statuses ...domain.DispatchStatus) ([]domain.WorklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorklistEntry
	for _, e := range s.worklist {
		if analyzerID != "" && e.AnalyzerID != analyzerID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out, nil
}

func containsStatus(list []domain.DispatchStatus, s domain.DispatchStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---- results ----

func sourceKey(analyzerID string, seq int64, sampleID, testCode string) string {
	return strings.Join([]string{analyzerID, fmt.Sprint(seq), sampleID, testCode}, "\x1f")
}

func (s *MemoryStore) CreateResult(_ context.Context, r *domain.ResolvedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(r.AnalyzerID, r.Sequence, r.SampleID, r.TestCode)
	for _, cur := range s.results {
		if sourceKey(cur.AnalyzerID, cur.Sequence, cur.SampleID, cur.TestCode) == key {
			return fmt.Errorf("result for source %s/%d already exists", r.AnalyzerID, r.Sequence)
		}
	}
	if r.ResultID == "" {
		r.ResultID = uuid.NewString()
	}
	s.results[r.ResultID] = *r
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, resultID string) (*domain.ResolvedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[resultID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) FindBySource(_ context.Context, analyzerID string, sequence int64, sampleID, testCode string) (*domain.ResolvedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		if r.AnalyzerID == analyzerID && r.Sequence == sequence && r.SampleID == sampleID && r.TestCode == testCode {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("result source %s/%d: %w", analyzerID, sequence, domain.ErrNotFound)
}

func (s *MemoryStore) PreviousResult(_ context.Context, patientID, testID string, since, before time.Time, excludeID string) (*domain.ResolvedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.ResolvedResult
	for id, r := range s.results {
		if id == excludeID || r.Superseded || r.Value == nil {
			continue
		}
		if r.PatientID != patientID || r.TestID != testID {
			continue
		}
		at := r.ObservedAt()
		if at.Before(since) || !at.Before(before) {
			continue
		}
		if best == nil || at.After(best.ObservedAt()) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("previous result %s/%s: %w", patientID, testID, domain.ErrNotFound)
	}
	return best, nil
}

func (s *MemoryStore) UpdateEvaluation(_ context.Context, resultID string, flag domain.ResultFlag, criticalDelta bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultID]
	if !ok {
		return fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	now := time.Now()
	r.Flag = flag
	r.CriticalDelta = criticalDelta
	r.EvaluatedAt = &now
	s.results[resultID] = r
	return nil
}

func (s *MemoryStore) MarkSuperseded(_ context.Context, resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultID]
	if !ok {
		return fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	r.Superseded = true
	s.results[resultID] = r
	return nil
}

// ---- unmapped ----

func (s *MemoryStore) CreateUnmapped(_ context.Context, u *domain.UnmappedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.unmapped {
		if cur.AnalyzerID == u.AnalyzerID && cur.Sequence == u.Sequence &&
			cur.Result.SampleID == u.Result.SampleID && cur.Result.TestCode == u.Result.TestCode {
			return fmt.Errorf("unmapped result for source %s/%d already exists", u.AnalyzerID, u.Sequence)
		}
	}
	if u.UnmappedID == "" {
		u.UnmappedID = uuid.NewString()
	}
	s.unmapped[u.UnmappedID] = *u
	return nil
}

func (s *MemoryStore) GetUnmapped(_ context.Context, unmappedID string) (*domain.UnmappedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.unmapped[unmappedID]
	if !ok {
		return nil, fmt.Errorf("unmapped result %s: %w", unmappedID, domain.ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) ExistsSource(_ context.Context, analyzerID string, sequence int64, sampleID, testCode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.unmapped {
		if u.AnalyzerID == analyzerID && u.Sequence == sequence && u.Result.SampleID == sampleID && u.Result.TestCode == testCode {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListUnmapped(_ context.Context, filter UnmappedFilter) ([]domain.UnmappedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UnmappedResult
	for _, u := range s.unmapped {
		if filter.AnalyzerID != "" && u.AnalyzerID != filter.AnalyzerID {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Result.TestCode < out[j].Result.TestCode
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateUnmapped(_ context.Context, u *domain.UnmappedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unmapped[u.UnmappedID]; !ok {
		return fmt.Errorf("unmapped result %s: %w", u.UnmappedID, domain.ErrNotFound)
	}
	s.unmapped[u.UnmappedID] = *u
	return nil
}
