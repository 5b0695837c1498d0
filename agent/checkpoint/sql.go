package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	databasex "github.com/tanpawarit/cognitive-backoffice/pkg/database"
	"github.com/uptrace/bun"
)

type checkpointRow struct {
	bun.BaseModel `bun:"table:run_checkpoints,alias:cp"`

	RunID          string    `bun:"run_id,pk"`
	CheckpointID   int64     `bun:"checkpoint_id,pk"`
	ConversationID string    `bun:"conversation_id,notnull"`
	Step           string    `bun:"step,notnull"`
	Status         string    `bun:"status,notnull"`
	Iteration      int       `bun:"iteration,notnull"`
	State          string    `bun:"state,type:text,notnull"`
	StartedAt      time.Time `bun:"started_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// checkpointHeadRow fences writers per run: a write only lands when it moves
// the head forward, and the row lock orders concurrent writers.
type checkpointHeadRow struct {
	bun.BaseModel `bun:"table:run_checkpoint_heads,alias:head"`

	RunID        string `bun:"run_id,pk"`
	CheckpointID int64  `bun:"checkpoint_id,notnull"`
}

const advanceHeadQuery = `INSERT INTO run_checkpoint_heads (run_id, checkpoint_id) VALUES (?, ?)
ON CONFLICT (run_id) DO UPDATE SET checkpoint_id = excluded.checkpoint_id
WHERE run_checkpoint_heads.checkpoint_id < excluded.checkpoint_id`

// SQLStore persists snapshots in Postgres or SQLite through bun.
type SQLStore struct {
	db *bun.DB
}

func NewSQLStore(db *bun.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateSchema(ctx context.Context) error {
	return databasex.CreateTables(ctx, s.db, (*checkpointRow)(nil), (*checkpointHeadRow)(nil))
}

func (s *SQLStore) GetLatest(ctx context.Context, runID string) (*Snapshot, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrInvalidRun
	}
	row := new(checkpointRow)
	err := s.db.NewSelect().
		Model(row).
		Where("run_id = ?", runID).
		OrderExpr("checkpoint_id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get latest run=%s: %w", runID, err)
	}
	snap := row.snapshot()
	return &snap, nil
}

func (s *SQLStore) Put(ctx context.Context, runID string, checkpointID int64, snap Snapshot) error {
	if err := validatePut(runID, checkpointID); err != nil {
		return err
	}
	row := &checkpointRow{
		RunID:          runID,
		CheckpointID:   checkpointID,
		ConversationID: snap.ConversationID,
		Step:           snap.Step,
		Status:         string(snap.Status),
		Iteration:      snap.Iteration,
		State:          string(snap.State),
		StartedAt:      snap.StartedAt.UTC(),
		CreatedAt:      snap.CreatedAt.UTC(),
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := advanceHead(ctx, tx, runID, checkpointID); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("checkpoint: insert run=%s id=%d: %w", runID, checkpointID, err)
		}
		return nil
	})
	if err == nil || errors.Is(err, ErrStaleCheckpoint) {
		return err
	}

	// A concurrent writer may have won the primary key race.
	if latest, lerr := latestID(ctx, s.db, runID); lerr == nil && latest >= checkpointID {
		return staleError(runID, checkpointID, latest)
	}
	return err
}

func (s *SQLStore) List(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrInvalidRun
	}
	var rows []checkpointRow
	q := s.db.NewSelect().
		Model(&rows).
		Where("run_id = ?", runID).
		OrderExpr("checkpoint_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: list run=%s: %w", runID, err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// ListRuns joins every run's head to its snapshot row.
func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]Snapshot, error) {
	var rows []checkpointRow
	q := s.db.NewSelect().
		Model(&rows).
		Join("JOIN run_checkpoint_heads AS head ON head.run_id = cp.run_id AND head.checkpoint_id = cp.checkpoint_id").
		OrderExpr("cp.started_at DESC, cp.run_id ASC")
	if filter.ConversationID != "" {
		q = q.Where("cp.conversation_id = ?", filter.ConversationID)
	}
	if filter.Status != "" {
		q = q.Where("cp.status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: list runs: %w", err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// advanceHead moves the run head to checkpointID or reports the write as
// stale when the head is already there or past it.
func advanceHead(ctx context.Context, tx bun.Tx, runID string, checkpointID int64) error {
	res, err := tx.ExecContext(ctx, advanceHeadQuery, runID, checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: advance head run=%s id=%d: %w", runID, checkpointID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint: advance head run=%s: %w", runID, err)
	}
	if n > 0 {
		return nil
	}
	head := new(checkpointHeadRow)
	if err := tx.NewSelect().Model(head).Where("run_id = ?", runID).Scan(ctx); err != nil {
		return fmt.Errorf("checkpoint: read head run=%s: %w", runID, err)
	}
	return staleError(runID, checkpointID, head.CheckpointID)
}

func latestID(ctx context.Context, db bun.IDB, runID string) (int64, error) {
	var latest int64
	err := db.NewSelect().
		Model((*checkpointRow)(nil)).
		ColumnExpr("COALESCE(MAX(checkpoint_id), 0)").
		Where("run_id = ?", runID).
		Scan(ctx, &latest)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: latest id run=%s: %w", runID, err)
	}
	return latest, nil
}

func (r checkpointRow) snapshot() Snapshot {
	return Snapshot{
		RunID:          r.RunID,
		ConversationID: r.ConversationID,
		CheckpointID:   r.CheckpointID,
		Step:           r.Step,
		Status:         statex.Status(r.Status),
		Iteration:      r.Iteration,
		State:          []byte(r.State),
		StartedAt:      r.StartedAt,
		CreatedAt:      r.CreatedAt,
	}
}
