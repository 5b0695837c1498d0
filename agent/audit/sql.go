package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	databasex "github.com/tanpawarit/cognitive-backoffice/pkg/database"
	"github.com/uptrace/bun"
)

type entryRow struct {
	bun.BaseModel `bun:"table:brain_log_entries,alias:ble"`

	RunID      string    `bun:"run_id,pk"`
	Seq        int64     `bun:"seq,pk"`
	StepType   string    `bun:"step_type,notnull"`
	Content    string    `bun:"content,type:text,notnull"`
	Node       string    `bun:"node"`
	ToolName   string    `bun:"tool_name"`
	ToolInput  string    `bun:"tool_input,type:text"`
	ToolOutput string    `bun:"tool_output,type:text"`
	TokensUsed int       `bun:"tokens_used"`
	DurationMs int64     `bun:"duration_ms"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

type accessRow struct {
	bun.BaseModel `bun:"table:access_logs,alias:al"`

	ID             string    `bun:"id,pk"`
	PrincipalID    string    `bun:"principal_id"`
	Action         string    `bun:"action,notnull"`
	ResourceType   string    `bun:"resource_type"`
	ResourceID     string    `bun:"resource_id"`
	IPAddress      string    `bun:"ip_address"`
	UserAgent      string    `bun:"user_agent"`
	AccessLevel    string    `bun:"access_level"`
	DeviceVerified bool      `bun:"device_verified"`
	Metadata       string    `bun:"metadata,type:text"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// AccessEvent is one security-relevant API access.
type AccessEvent struct {
	Action       string
	ResourceType string
	ResourceID   string
	Security     statex.SecurityContext
	Metadata     map[string]any
	At           time.Time
}

// SQLSink appends brain-log entries and access events through bun.
type SQLSink struct {
	db *bun.DB
}

func NewSQLSink(db *bun.DB) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &SQLSink{db: db}, nil
}

func (s *SQLSink) CreateSchema(ctx context.Context) error {
	return databasex.CreateTables(ctx, s.db, (*entryRow)(nil), (*accessRow)(nil))
}

// Append stores entries after the run's current tail, keeping call order.
func (s *SQLSink) Append(ctx context.Context, runID string, entries []statex.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var tail int64
		err := tx.NewSelect().
			Model((*entryRow)(nil)).
			ColumnExpr("COALESCE(MAX(seq), 0)").
			Where("run_id = ?", runID).
			Scan(ctx, &tail)
		if err != nil {
			return fmt.Errorf("audit: tail run=%s: %w", runID, err)
		}

		rows := make([]entryRow, 0, len(entries))
		for i, e := range entries {
			row, err := toEntryRow(runID, tail+int64(i)+1, e)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("audit: insert run=%s: %w", runID, err)
		}
		return nil
	})
}

func (s *SQLSink) List(ctx context.Context, runID string) ([]statex.AuditEntry, error) {
	var rows []entryRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("run_id = ?", runID).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list run=%s: %w", runID, err)
	}
	out := make([]statex.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLSink) LogAccess(ctx context.Context, evt AccessEvent) error {
	meta := ""
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal access metadata: %w", err)
		}
		meta = string(raw)
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &accessRow{
		ID:             uuid.NewString(),
		PrincipalID:    evt.Security.PrincipalID,
		Action:         evt.Action,
		ResourceType:   evt.ResourceType,
		ResourceID:     evt.ResourceID,
		IPAddress:      evt.Security.IPAddress,
		UserAgent:      evt.Security.UserAgent,
		AccessLevel:    string(evt.Security.AccessLevel),
		DeviceVerified: evt.Security.DeviceVerified,
		Metadata:       meta,
		CreatedAt:      at.UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("audit: insert access %s: %w", evt.Action, err)
	}
	return nil
}

func (s *SQLSink) CountAccess(ctx context.Context, action string) (int, error) {
	return s.db.NewSelect().Model((*accessRow)(nil)).Where("action = ?", action).Count(ctx)
}

func toEntryRow(runID string, seq int64, e statex.AuditEntry) (entryRow, error) {
	row := entryRow{
		RunID:      runID,
		Seq:        seq,
		StepType:   string(e.StepType),
		Content:    e.Content,
		Node:       e.Node,
		ToolName:   e.ToolName,
		TokensUsed: e.TokensUsed,
		DurationMs: e.DurationMs,
		CreatedAt:  e.Timestamp.UTC(),
	}
	if e.ToolInput != nil {
		raw, err := json.Marshal(e.ToolInput)
		if err != nil {
			return row, fmt.Errorf("audit: marshal tool input: %w", err)
		}
		row.ToolInput = string(raw)
	}
	if e.ToolOutput != nil {
		raw, err := json.Marshal(e.ToolOutput)
		if err != nil {
			return row, fmt.Errorf("audit: marshal tool output: %w", err)
		}
		row.ToolOutput = string(raw)
	}
	return row, nil
}

func (r entryRow) entry() (statex.AuditEntry, error) {
	e := statex.AuditEntry{
		StepType:   statex.StepType(r.StepType),
		Content:    r.Content,
		Node:       r.Node,
		ToolName:   r.ToolName,
		TokensUsed: r.TokensUsed,
		DurationMs: r.DurationMs,
		Timestamp:  r.CreatedAt,
	}
	if r.ToolInput != "" {
		if err := json.Unmarshal([]byte(r.ToolInput), &e.ToolInput); err != nil {
			return e, fmt.Errorf("audit: decode tool input: %w", err)
		}
	}
	if r.ToolOutput != "" {
		if err := json.Unmarshal([]byte(r.ToolOutput), &e.ToolOutput); err != nil {
			return e, fmt.Errorf("audit: decode tool output: %w", err)
		}
	}
	return e, nil
}
