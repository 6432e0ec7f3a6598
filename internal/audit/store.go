package audit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	ErrDuplicate = errors.New("audit: entry already written")
	ErrStorage   = errors.New("audit: storage failure")
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Filter narrows Query results. Zero fields do not filter.
type Filter struct {
	UserID       string
	StartDate    time.Time
	EndDate      time.Time
	MinRiskScore int
	SecurityFlag string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && e.Timestamp.After(f.EndDate) {
		return false
	}
	if e.RiskScore < f.MinRiskScore {
		return false
	}
	if f.SecurityFlag != "" && !e.HasSecurityFlag(f.SecurityFlag) {
		return false
	}
	return true
}

// ClampLimit normalises a page size into [1, MaxQueryLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

// Store is the durable sink for audit entries and alerts.
type Store interface {
	// SaveEntry returns ErrDuplicate when the audit id was already written.
	SaveEntry(ctx context.Context, e Entry) error
	SaveAlert(ctx context.Context, a Alert) error
	// Query returns matching entries newest first.
	Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error)
	// Count returns how many entries match f, ignoring pagination.
	Count(ctx context.Context, f Filter) (int, error)
	Alerts(ctx context.Context, limit int) ([]Alert, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]struct{}
	alerts  []Alert
	alerted map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:   make(map[string]struct{}),
		alerted: make(map[string]struct{}),
	}
}

func (s *MemoryStore) SaveEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[e.AuditID]; ok {
		return ErrDuplicate
	}
	s.index[e.AuditID] = struct{}{}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerted[a.AuditID]; ok {
		return ErrDuplicate
	}
	s.alerted[a.AuditID] = struct{}{}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter, limit, offset int) ([]Entry, error) {
	limit = ClampLimit(limit)
	offset = max(offset, 0)
	s.mu.RLock()
	matched := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(matched, func(a, b Entry) int { return b.Timestamp.Compare(a.Timestamp) })
	if offset >= len(matched) {
		return []Entry{}, nil
	}
	return matched[offset:min(offset+limit, len(matched))], nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if f.Match(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Alerts(_ context.Context, limit int) ([]Alert, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	out := slices.Clone(s.alerts)
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b Alert) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
