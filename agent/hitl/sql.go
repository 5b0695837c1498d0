package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	databasex "github.com/tanpawarit/cognitive-backoffice/pkg/database"
	"github.com/uptrace/bun"
)

type approvalRow struct {
	bun.BaseModel `bun:"table:hitl_requests,alias:hr"`

	ID             string    `bun:"id,pk"`
	RunID          string    `bun:"run_id,notnull"`
	Node           string    `bun:"node,notnull"`
	Reason         string    `bun:"reason,notnull"`
	Context        string    `bun:"context,type:text"`
	ProposedAction string    `bun:"proposed_action,type:text"`
	Status         string    `bun:"status,notnull"`
	ReviewerID     string    `bun:"reviewer_id"`
	ReviewNotes    string    `bun:"review_notes"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	ExpiresAt      time.Time `bun:"expires_at,notnull"`
	ReviewedAt     time.Time `bun:"reviewed_at,nullzero"`
}

// SQLStore keeps approval requests in a bun database. Transition is a
// conditional UPDATE so concurrent reviewers race on the row, not in memory.
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
	return databasex.CreateTables(ctx, s.db, (*approvalRow)(nil))
}

func (s *SQLStore) Create(ctx context.Context, req *Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	row, err := toRow(req)
	if err != nil {
		return "", err
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return "", fmt.Errorf("hitl: insert approval %s: %w", req.ID, err)
	}
	return req.ID, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Request, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	row := new(approvalRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hitl: get approval %s: %w", id, err)
	}
	return row.request()
}

func (s *SQLStore) Transition(ctx context.Context, id string, review Review) (*Request, error) {
	if err := review.validate(); err != nil {
		return nil, err
	}
	res, err := s.db.NewUpdate().
		Model((*approvalRow)(nil)).
		Set("status = ?", string(review.Status)).
		Set("reviewer_id = ?", review.ReviewerID).
		Set("review_notes = ?", review.Notes).
		Set("reviewed_at = ?", review.At.UTC()).
		Where("id = ?", id).
		Where("status = ?", string(StatusPending)).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("hitl: transition approval %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("hitl: transition approval %s: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, conflictError(id, current.Status)
	}
	return current, nil
}

func (s *SQLStore) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	var rows []approvalRow
	q := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(StatusPending)).
		OrderExpr("expires_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("hitl: list pending: %w", err)
	}
	out := make([]*Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.request()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

type statusCount struct {
	Status string `bun:"status"`
	N      int    `bun:"n"`
}

func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var rows []statusCount
	err := s.db.NewSelect().
		Model((*approvalRow)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS n").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("hitl: count approvals: %w", err)
	}
	out := newCounts()
	for _, r := range rows {
		out[Status(r.Status)] = r.N
	}
	return out, nil
}

func toRow(req *Request) (*approvalRow, error) {
	ctxJSON, err := marshalBlob(req.Context)
	if err != nil {
		return nil, fmt.Errorf("hitl: marshal context: %w", err)
	}
	actionJSON, err := marshalBlob(req.ProposedAction)
	if err != nil {
		return nil, fmt.Errorf("hitl: marshal proposed action: %w", err)
	}
	row := &approvalRow{
		ID:             req.ID,
		RunID:          req.RunID,
		Node:           req.Node,
		Reason:         req.Reason,
		Context:        ctxJSON,
		ProposedAction: actionJSON,
		Status:         string(req.Status),
		ReviewerID:     req.ReviewerID,
		ReviewNotes:    req.ReviewNotes,
		CreatedAt:      req.CreatedAt.UTC(),
		ExpiresAt:      req.ExpiresAt.UTC(),
	}
	if req.ReviewedAt != nil {
		row.ReviewedAt = req.ReviewedAt.UTC()
	}
	return row, nil
}

func (r approvalRow) request() (*Request, error) {
	req := &Request{
		ID:          r.ID,
		RunID:       r.RunID,
		Node:        r.Node,
		Reason:      r.Reason,
		Status:      Status(r.Status),
		ReviewerID:  r.ReviewerID,
		ReviewNotes: r.ReviewNotes,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
	if !r.ReviewedAt.IsZero() {
		at := r.ReviewedAt
		req.ReviewedAt = &at
	}
	if err := unmarshalBlob(r.Context, &req.Context); err != nil {
		return nil, fmt.Errorf("hitl: decode context of %s: %w", r.ID, err)
	}
	if err := unmarshalBlob(r.ProposedAction, &req.ProposedAction); err != nil {
		return nil, fmt.Errorf("hitl: decode proposed action of %s: %w", r.ID, err)
	}
	return req, nil
}

func marshalBlob(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	return string(raw), err
}

func unmarshalBlob(raw string, out *map[string]any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
