package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	checkpointx "github.com/tanpawarit/cognitive-backoffice/agent/checkpoint"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const defaultMemoryLimit = 10

// Agent is a department agent as published to clients.
type Agent struct {
	Name           string   `json:"name"`
	Title          string   `json:"title"`
	Role           string   `json:"role,omitempty"`
	Description    string   `json:"description"`
	Specialization string   `json:"specialization,omitempty"`
	Goal           string   `json:"goal,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// AgentStats counts the persisted runs that visited an agent.
type AgentStats struct {
	Agent     string                `json:"agent"`
	Runs      int                   `json:"runs"`
	ByStatus  map[statex.Status]int `json:"by_status"`
	LastRunAt *time.Time            `json:"last_run_at,omitempty"`
}

// RunQuery filters ListRuns. Agent keeps runs that visited that department.
type RunQuery struct {
	ConversationID string
	Status         statex.Status
	Agent          string
	Limit          int
}

// RunSummary is one row of a run listing.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id"`
	Status         statex.Status `json:"status"`
	UserMessage    string        `json:"user_message"`
	Response       string        `json:"response,omitempty"`
	ApprovalID     string        `json:"approval_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	VisitedAgents  []string      `json:"visited_agents,omitempty"`
	IterationCount int           `json:"iteration_count"`
	TriggeredBy    string        `json:"triggered_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func summaryOf(st *statex.RunState) RunSummary {
	h := handleOf(st)
	return RunSummary{
		RunID:          st.RunID,
		ConversationID: st.ConversationID,
		Status:         st.Status,
		UserMessage:    st.UserMessage,
		Response:       h.Response,
		ApprovalID:     h.ApprovalID,
		Error:          st.Error,
		VisitedAgents:  h.VisitedAgents,
		IterationCount: st.IterationCount,
		TriggeredBy:    st.TriggeredBy,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
}

// WithAgents publishes the department catalog served by ListAgents.
func WithAgents(agents ...Agent) Option {
	return func(o *Orchestrator) {
		o.agents = append([]Agent(nil), agents...)
	}
}

func (o *Orchestrator) ListRuns(ctx context.Context, q RunQuery) ([]RunSummary, error) {
	filter := checkpointx.RunFilter{ConversationID: q.ConversationID, Status: q.Status, Limit: q.Limit}
	if q.Agent != "" {
		filter.Limit = 0
	}
	states, err := o.executor.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(states))
	for _, st := range states {
		if q.Agent != "" && !visited(st, q.Agent) {
			continue
		}
		out = append(out, summaryOf(st))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ChatHistory rebuilds a conversation from its runs, oldest first: the user
// message of each run followed by the assistant turns it produced.
func (o *Orchestrator) ChatHistory(ctx context.Context, conversationID string) ([]statex.ChatTurn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	states, err := o.executor.List(ctx, checkpointx.RunFilter{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	turns := make([]statex.ChatTurn, 0, 2*len(states))
	for _, st := range states {
		turns = append(turns, runTurns(st)...)
	}
	return turns, nil
}

func runTurns(st *statex.RunState) []statex.ChatTurn {
	out := []statex.ChatTurn{{Role: statex.RoleUser, Content: st.UserMessage}}
	lastUser := -1
	for i, m := range st.Messages {
		if m.Role == statex.RoleUser {
			lastUser = i
		}
	}
	answered := false
	for _, m := range st.Messages[lastUser+1:] {
		if m.Role == statex.RoleAssistant && strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
			answered = true
		}
	}
	if !answered && st.Status == statex.StatusCompleted && st.FinalResponse != "" {
		out = append(out, statex.ChatTurn{Role: statex.RoleAssistant, Content: st.FinalResponse})
	}
	return out
}

func (o *Orchestrator) ListAgents() []Agent {
	out := make([]Agent, len(o.agents))
	copy(out, o.agents)
	return out
}

func (o *Orchestrator) GetAgent(name string) (Agent, error) {
	for _, a := range o.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: %s", contractx.ErrUnknownNode, name)
}

func (o *Orchestrator) GetAgentStats(ctx context.Context, name string) (*AgentStats, error) {
	if _, err := o.GetAgent(name); err != nil {
		return nil, err
	}
	states, err := o.executor.List(ctx, checkpointx.RunFilter{})
	if err != nil {
		return nil, err
	}
	stats := &AgentStats{Agent: name, ByStatus: map[statex.Status]int{}}
	for _, st := range states {
		if !visited(st, name) {
			continue
		}
		stats.Runs++
		stats.ByStatus[st.Status]++
		if stats.LastRunAt == nil || st.CreatedAt.After(*stats.LastRunAt) {
			at := st.CreatedAt
			stats.LastRunAt = &at
		}
	}
	return stats, nil
}

func visited(st *statex.RunState, agent string) bool {
	for _, a := range st.VisitedAgents {
		if a == agent {
			return true
		}
	}
	return false
}

func (o *Orchestrator) ApprovalStats(ctx context.Context) (hitlx.Counts, error) {
	return o.approvals.Counts(ctx)
}

func (o *Orchestrator) SearchMemory(ctx context.Context, query string, limit int) ([]statex.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return o.memory.Search(ctx, query, limit)
}

// Remember stores mem in long-term memory and returns it with its id and
// timestamp filled in.
func (o *Orchestrator) Remember(ctx context.Context, mem statex.Memory) (statex.Memory, error) {
	mem.Content = strings.TrimSpace(mem.Content)
	if mem.Content == "" {
		return statex.Memory{}, fmt.Errorf("%w: memory content is required", contractx.ErrValidation)
	}
	if mem.Importance < 0 || mem.Importance > 1 {
		return statex.Memory{}, fmt.Errorf("%w: importance must be within [0, 1]", contractx.ErrValidation)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = o.now().UTC()
	}
	if err := o.memory.Remember(ctx, mem); err != nil {
		return statex.Memory{}, err
	}
	return mem, nil
}
