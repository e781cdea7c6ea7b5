// Package cache memoizes readiness snapshots per project.
package cache

import (
	"context"
	"sync"
	"time"

	"showline/internal/domain"
)

// Invalidation reasons. They are diagnostic only.
const (
	ReasonRoleChange         = "role_change"
	ReasonLocationChange     = "location_change"
	ReasonTeamChange         = "team_change"
	ReasonTalentChange       = "talent_change"
	ReasonFinalizationChange = "finalization_change"
	ReasonPhaseChange        = "phase_change"
	ReasonManual             = "manual"
)

// ReasonForArea maps a setup area to the reason its mutations report.
func ReasonForArea(area domain.SetupArea) string {
	switch area {
	case domain.AreaRoles:
		return ReasonRoleChange
	case domain.AreaLocations:
		return ReasonLocationChange
	case domain.AreaTeam:
		return ReasonTeamChange
	case domain.AreaTalent:
		return ReasonTalentChange
	default:
		return ReasonManual
	}
}

// Entry is the single cached value of a project: either a snapshot or the
// failure of the last calculation attempt.
//
// Generation counts the invalidations of the project. A miss still reports
// the current generation; a writer passes it back with the value it computed
// so a calculation that started before an invalidation cannot land after it.
type Entry struct {
	Snapshot   *domain.ReadinessSnapshot `json:"snapshot,omitempty"`
	Failure    string                    `json:"failure,omitempty"`
	RecordedAt time.Time                 `json:"recorded_at"`
	Generation uint64                    `json:"generation"`
}

func (e Entry) Failed() bool { return e.Snapshot == nil && e.Failure != "" }

// Store is a per-project key-value cache. Set drops entries of an older
// generation than the store's, and within a generation keeps whichever entry
// has the later RecordedAt.
type Store interface {
	Get(ctx context.Context, projectID string) (Entry, bool, error)
	Set(ctx context.Context, projectID string, entry Entry) error
	Invalidate(ctx context.Context, projectID, reason string) error
}

// stale reports whether next must not replace cur.
func stale(cur Entry, next Entry) bool {
	if next.Generation != cur.Generation {
		return next.Generation < cur.Generation
	}
	return cur.RecordedAt.After(next.RecordedAt)
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	gens    map[string]uint64
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory returns an empty store. A zero ttl keeps entries until invalidated.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, projectID string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[projectID]
	gen := m.gens[projectID]
	m.mu.RUnlock()
	if !ok {
		return Entry{Generation: gen}, false, nil
	}
	if m.ttl > 0 && m.now().Sub(e.RecordedAt) > m.ttl {
		m.mu.Lock()
		if cur, ok := m.entries[projectID]; ok && cur.RecordedAt.Equal(e.RecordedAt) {
			delete(m.entries, projectID)
		}
		m.mu.Unlock()
		return Entry{Generation: gen}, false, nil
	}
	return e, true, nil
}

func (m *Memory) Set(_ context.Context, projectID string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Generation < m.gens[projectID] {
		return nil
	}
	if cur, ok := m.entries[projectID]; ok && stale(cur, entry) {
		return nil
	}
	m.entries[projectID] = entry
	return nil
}

func (m *Memory) Invalidate(_ context.Context, projectID, _ string) error {
	m.mu.Lock()
	delete(m.entries, projectID)
	m.gens[projectID]++
	m.mu.Unlock()
	return nil
}

// Len reports the number of cached projects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
