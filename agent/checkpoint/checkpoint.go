package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

var (
	ErrNotFound            = errors.New("checkpoint not found")
	ErrInvalidRun          = errors.New("run id is empty")
	ErrInvalidCheckpointID = errors.New("checkpoint id must be > 0")
	ErrStaleCheckpoint     = contractx.ErrStaleCheckpoint
)

// Snapshot is a versioned, serialized run state.
type Snapshot struct {
	RunID          string          `json:"run_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CheckpointID   int64           `json:"checkpoint_id"`
	Step           string          `json:"step"`
	Status         statex.Status   `json:"status"`
	Iteration      int             `json:"iteration"`
	State          json.RawMessage `json:"state"`
	StartedAt      time.Time       `json:"started_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RunFilter selects runs by the fields of their latest snapshot. Empty
// fields match everything.
type RunFilter struct {
	ConversationID string
	Status         statex.Status
	Limit          int
}

func (f RunFilter) match(s Snapshot) bool {
	if f.ConversationID != "" && s.ConversationID != f.ConversationID {
		return false
	}
	return f.Status == "" || s.Status == f.Status
}

// Store persists snapshots keyed by (run id, checkpoint id). Put must reject
// any checkpoint id that is not greater than the latest stored id.
// ListRuns returns the latest snapshot of every matching run, most recently
// started first.
type Store interface {
	GetLatest(ctx context.Context, runID string) (*Snapshot, error)
	Put(ctx context.Context, runID string, checkpointID int64, snap Snapshot) error
	List(ctx context.Context, runID string, limit int) ([]Snapshot, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Snapshot, error)
}

func NewSnapshot(st *statex.RunState, step string, now time.Time) (Snapshot, error) {
	if st == nil {
		return Snapshot{}, statex.ErrNilRunState
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal run state: %w", err)
	}
	return Snapshot{
		RunID:          st.RunID,
		ConversationID: st.ConversationID,
		Step:           step,
		Status:         st.Status,
		Iteration:      st.IterationCount,
		State:          raw,
		StartedAt:      st.CreatedAt.UTC(),
		CreatedAt:      now.UTC(),
	}, nil
}

func (s Snapshot) Decode() (*statex.RunState, error) {
	if len(s.State) == 0 {
		return nil, fmt.Errorf("checkpoint %s/%d: empty state", s.RunID, s.CheckpointID)
	}
	var st statex.RunState
	if err := json.Unmarshal(s.State, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run state loaded from checkpoint: %w", err)
	}
	return &st, nil
}

func validatePut(runID string, checkpointID int64) error {
	if strings.TrimSpace(runID) == "" {
		return ErrInvalidRun
	}
	if checkpointID <= 0 {
		return ErrInvalidCheckpointID
	}
	return nil
}

func staleError(runID string, checkpointID, latest int64) error {
	return fmt.Errorf("%w: run=%s checkpoint=%d latest=%d", ErrStaleCheckpoint, runID, checkpointID, latest)
}

func sortByStart(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.After(snaps[j].StartedAt)
		}
		return snaps[i].RunID < snaps[j].RunID
	})
}
