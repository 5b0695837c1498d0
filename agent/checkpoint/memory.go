package checkpoint

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byRun map[string][]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[string][]Snapshot)}
}

func (m *MemoryStore) GetLatest(ctx context.Context, runID string) (*Snapshot, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrInvalidRun
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.byRun[runID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	out := copySnapshot(snaps[len(snaps)-1])
	return &out, nil
}

func (m *MemoryStore) Put(ctx context.Context, runID string, checkpointID int64, snap Snapshot) error {
	if err := validatePut(runID, checkpointID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.byRun[runID]
	if n := len(snaps); n > 0 && snaps[n-1].CheckpointID >= checkpointID {
		return staleError(runID, checkpointID, snaps[n-1].CheckpointID)
	}
	snap.RunID = runID
	snap.CheckpointID = checkpointID
	m.byRun[runID] = append(snaps, copySnapshot(snap))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrInvalidRun
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.byRun[runID]
	if limit <= 0 || limit > len(snaps) {
		limit = len(snaps)
	}
	out := make([]Snapshot, 0, limit)
	for i := len(snaps) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copySnapshot(snaps[i]))
	}
	return out, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.byRun))
	for _, snaps := range m.byRun {
		if n := len(snaps); n > 0 && filter.match(snaps[n-1]) {
			out = append(out, copySnapshot(snaps[n-1]))
		}
	}
	m.mu.RUnlock()

	sortByStart(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copySnapshot(s Snapshot) Snapshot {
	s.State = append([]byte(nil), s.State...)
	return s
}
