package contract

import (
	"context"

	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// Classifier is the external text-in/decision-out routing capability.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Decision, error)
}

// Specialist is a department agent backed by a language model.
type Specialist interface {
	Run(ctx context.Context, req SpecialistRequest) (SpecialistResponse, error)
}

type Registry interface {
	Specialist(department string) (Specialist, bool)
	Departments() []string
}

// Node is a unit of work in the run graph. Run may perform side effects; the
// returned update is applied through the transition engine.
type Node interface {
	Run(ctx context.Context, st *statex.RunState) (statex.Update, error)
}

type NodeFunc func(ctx context.Context, st *statex.RunState) (statex.Update, error)

func (f NodeFunc) Run(ctx context.Context, st *statex.RunState) (statex.Update, error) {
	return f(ctx, st)
}

type ToolGateway interface {
	Execute(ctx context.Context, department string, reqs []ToolRequest) ([]ToolResult, error)
}

// MemoryStore is the long-term institutional memory consumed before routing.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]statex.Memory, error)
	Remember(ctx context.Context, m statex.Memory) error
}

// AuditSink receives audit entries in the order they were produced.
type AuditSink interface {
	Append(ctx context.Context, runID string, entries []statex.AuditEntry) error
}
