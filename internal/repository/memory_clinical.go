package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"wisefido-lis/internal/domain"
)

// ---- alerts ----

func (s *MemoryStore) CreateAlert(_ context.Context, a *domain.CriticalValueAlert) (*domain.CriticalValueAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.alerts {
		if cur.ResultID == a.ResultID {
			return &cur, false, nil
		}
	}
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	s.alerts[a.AlertID] = *a
	return a, true, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (*domain.CriticalValueAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) ListAlertsByResult(_ context.Context, resultID string) ([]domain.CriticalValueAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CriticalValueAlert
	for _, a := range s.alerts {
		if a.ResultID == resultID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenAlerts(_ context.Context) ([]domain.CriticalValueAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CriticalValueAlert
	for _, a := range s.alerts {
		if a.State == domain.AlertOpen || a.State == domain.AlertEscalated {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (s *MemoryStore) UpdateAlertState(_ context.Context, a *domain.CriticalValueAlert, from domain.AlertState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.AlertID]
	if !ok {
		return false, fmt.Errorf("alert %s: %w", a.AlertID, domain.ErrNotFound)
	}
	if cur.State != from {
		return false, nil
	}
	s.alerts[a.AlertID] = *a
	return true, nil
}

func (s *MemoryStore) CreateDelta(_ context.Context, d *domain.DeltaCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.deltas {
		if cur.ResultID == d.ResultID {
			return nil
		}
	}
	if d.DeltaID == "" {
		d.DeltaID = uuid.NewString()
	}
	s.deltas[d.DeltaID] = *d
	return nil
}

func (s *MemoryStore) GetDelta(_ context.Context, deltaID string) (*domain.DeltaCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deltas[deltaID]
	if !ok {
		return nil, fmt.Errorf("delta check %s: %w", deltaID, domain.ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) ListDeltasByResult(_ context.Context, resultID string) ([]domain.DeltaCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeltaCheck
	for _, d := range s.deltas {
		if d.ResultID == resultID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) AcknowledgeDelta(_ context.Context, deltaID, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deltas[deltaID]
	if !ok || d.AcknowledgedAt != nil {
		return fmt.Errorf("delta check %s not open: %w", deltaID, domain.ErrNotFound)
	}
	now := time.Now()
	d.AcknowledgedBy = user
	d.AcknowledgedAt = &now
	s.deltas[deltaID] = d
	return nil
}

// ---- qc ----

func copyRun(r domain.QCRun) domain.QCRun {
	r.Violations = append([]string(nil), r.Violations...)
	r.Warnings = append([]string(nil), r.Warnings...)
	return r
}

func (s *MemoryStore) CreateRun(_ context.Context, run *domain.QCRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if _, ok := s.qcRuns[run.RunID]; ok {
		return fmt.Errorf("qc run %s already exists", run.RunID)
	}
	s.qcRuns[run.RunID] = copyRun(*run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*domain.QCRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.qcRuns[runID]
	if !ok {
		return nil, fmt.Errorf("qc run %s: %w", runID, domain.ErrNotFound)
	}
	r = copyRun(r)
	return &r, nil
}

func (s *MemoryStore) sortedRuns(match func(domain.QCRun) bool) []domain.QCRun {
	var out []domain.QCRun
	for _, r := range s.qcRuns {
		if match(r) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

func (s *MemoryStore) ListSeries(_ context.Context, key domain.QCKey, before time.Time, limit int) ([]domain.QCRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedRuns(func(r domain.QCRun) bool {
		return r.Key() == key && r.RunAt.Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ListRunsBetween(_ context.Context, analyzerID, testID string, from, to time.Time) ([]domain.QCRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedRuns(func(r domain.QCRun) bool {
		return r.AnalyzerID == analyzerID && r.TestID == testID && !r.RunAt.Before(from) && r.RunAt.Before(to)
	}), nil
}

func (s *MemoryStore) Override(_ context.Context, runID, user, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.qcRuns[runID]
	if !ok {
		return fmt.Errorf("qc run %s: %w", runID, domain.ErrNotFound)
	}
	if r.OverriddenAt != nil {
		return fmt.Errorf("qc run %s already overridden: %w", runID, domain.ErrInvalidTransition)
	}
	r.OverriddenBy = user
	r.OverrideReason = reason
	r.OverriddenAt = &at
	s.qcRuns[runID] = r
	return nil
}

// ---- order items ----

func (s *MemoryStore) CreateOrderItem(_ context.Context, o *domain.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.OrderItemID == "" {
		o.OrderItemID = uuid.NewString()
	}
	if _, ok := s.orderItems[o.OrderItemID]; ok {
		return fmt.Errorf("order item %s already exists", o.OrderItemID)
	}
	s.orderItems[o.OrderItemID] = *o
	return nil
}

func (s *MemoryStore) GetOrderItem(_ context.Context, orderItemID string) (*domain.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orderItems[orderItemID]
	if !ok {
		return nil, fmt.Errorf("order item %s: %w", orderItemID, domain.ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListOpenForResult(_ context.Context, sampleID, testID string) ([]domain.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OrderItem
	for _, o := range s.orderItems {
		if o.SampleID == sampleID && o.TestID == testID && o.OpenForResult() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderItemID < out[j].OrderItemID })
	return out, nil
}

func (s *MemoryStore) ListBySample(_ context.Context, sampleID, testID string) ([]domain.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OrderItem
	for _, o := range s.orderItems {
		if o.SampleID == sampleID && o.TestID == testID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderItemID < out[j].OrderItemID })
	return out, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, o *domain.OrderItem, t *domain.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orderItems[o.OrderItemID]
	if !ok {
		return fmt.Errorf("order item %s: %w", o.OrderItemID, domain.ErrNotFound)
	}
	if cur.State != t.From {
		return fmt.Errorf("order item %s no longer %s: %w", o.OrderItemID, t.From, domain.ErrInvalidTransition)
	}
	if t.TransitionID == "" {
		t.TransitionID = uuid.NewString()
	}
	s.orderItems[o.OrderItemID] = *o
	s.transitions[o.OrderItemID] = append(s.transitions[o.OrderItemID], *t)
	return nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, orderItemID string) ([]domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StateTransition(nil), s.transitions[orderItemID]...), nil
}
