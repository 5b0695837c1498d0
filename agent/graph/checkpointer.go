package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	checkpointx "github.com/tanpawarit/cognitive-backoffice/agent/checkpoint"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const DefaultCheckpointTimeout = 10 * time.Second

// checkpointer writes one snapshot per transition with strictly increasing
// ids. A stale write is retried once with an id past the re-read latest,
// unless that latest snapshot already reached the iteration being written.
type checkpointer struct {
	store   checkpointx.Store
	timeout time.Duration
	logger  *zerolog.Logger
	now     func() time.Time
	onStale func()

	mu   sync.Mutex
	last map[string]int64
}

func newCheckpointer(store checkpointx.Store, timeout time.Duration, logger *zerolog.Logger, now func() time.Time, onStale func()) *checkpointer {
	if timeout <= 0 {
		timeout = DefaultCheckpointTimeout
	}
	return &checkpointer{
		store:   store,
		timeout: timeout,
		logger:  logger,
		now:     now,
		onStale: onStale,
		last:    make(map[string]int64),
	}
}

func (c *checkpointer) save(ctx context.Context, st *statex.RunState, step string) error {
	snap, err := checkpointx.NewSnapshot(st, step, c.now())
	if err != nil {
		return err
	}

	id, err := c.nextID(ctx, st.RunID)
	if err != nil {
		return err
	}
	err = c.put(ctx, st.RunID, id, snap)
	if errors.Is(err, contractx.ErrStaleCheckpoint) {
		if c.onStale != nil {
			c.onStale()
		}
		c.logger.Warn().Err(err).Str("run_id", st.RunID).Str("transition", step).Msg("stale checkpoint, retrying with fresh id")
		latest, lerr := c.latest(ctx, st.RunID)
		if lerr != nil {
			return fmt.Errorf("re-read latest checkpoint: %w", lerr)
		}
		if latest != nil && latest.Iteration >= snap.Iteration {
			return fmt.Errorf("%w: run %s reached iteration %d through another writer", contractx.ErrStaleCheckpoint, st.RunID, latest.Iteration)
		}
		id = 1
		if latest != nil {
			id = latest.CheckpointID + 1
		}
		err = c.put(ctx, st.RunID, id, snap)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.last[st.RunID] = id
	c.mu.Unlock()
	return nil
}

// load returns the latest persisted state of a run and primes the id cursor.
func (c *checkpointer) load(ctx context.Context, runID string) (*statex.RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := c.store.GetLatest(ctx, runID)
	if errors.Is(err, checkpointx.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", contractx.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	st, err := snap.Decode()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.last[runID] = snap.CheckpointID
	c.mu.Unlock()
	return st, nil
}

func (c *checkpointer) list(ctx context.Context, filter checkpointx.RunFilter) ([]*statex.RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snaps, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*statex.RunState, 0, len(snaps))
	for _, snap := range snaps {
		st, err := snap.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *checkpointer) forget(runID string) {
	c.mu.Lock()
	delete(c.last, runID)
	c.mu.Unlock()
}

func (c *checkpointer) nextID(ctx context.Context, runID string) (int64, error) {
	c.mu.Lock()
	last, ok := c.last[runID]
	c.mu.Unlock()
	if ok {
		return last + 1, nil
	}
	latest, err := c.latestID(ctx, runID)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

func (c *checkpointer) latestID(ctx context.Context, runID string) (int64, error) {
	snap, err := c.latest(ctx, runID)
	if err != nil || snap == nil {
		return 0, err
	}
	return snap.CheckpointID, nil
}

// latest returns nil without error when the run has no checkpoint yet.
func (c *checkpointer) latest(ctx context.Context, runID string) (*checkpointx.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := c.store.GetLatest(ctx, runID)
	if errors.Is(err, checkpointx.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *checkpointer) put(ctx context.Context, runID string, id int64, snap checkpointx.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Put(ctx, runID, id, snap)
}
