package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrNilRunState    = errors.New("run state is nil")
	ErrInvalidRun     = errors.New("run id is empty")
	ErrEmptyMessage   = errors.New("user message is empty")
	ErrInvalidStatus  = errors.New("invalid run status")
	ErrNegativeCursor = errors.New("iteration count must be >= 0")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request is the inbound payload a run is created from.
type Request struct {
	RunID          string          `json:"run_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TriggeredBy    string          `json:"triggered_by,omitempty"`
	UserMessage    string          `json:"user_message"`
	Messages       []ChatTurn      `json:"messages,omitempty"`
	OKRContext     *OKRContext     `json:"okr_context,omitempty"`
	Security       SecurityContext `json:"security"`
}

// RunState is the canonical state threaded through the run graph. It is
// owned by exactly one executor at a time and only changed via transitions.
type RunState struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
	TriggeredBy    string `json:"triggered_by,omitempty"`

	UserMessage     string     `json:"user_message"`
	CurrentResponse string     `json:"current_response"`
	FinalResponse   string     `json:"final_response,omitempty"`
	Messages        []ChatTurn `json:"messages,omitempty"`

	NextAgent       string   `json:"next_agent,omitempty"`
	VisitedAgents   []string `json:"visited_agents,omitempty"`
	DelegationChain []string `json:"delegation_chain,omitempty"`

	BrainLog          []AuditEntry   `json:"brain_log"`
	GenUIPayloads     []GenUIPayload `json:"genui_payloads,omitempty"`
	OKRContext        *OKRContext    `json:"okr_context,omitempty"`
	RetrievedMemories []Memory       `json:"retrieved_memories,omitempty"`

	RequiresHITL   bool            `json:"requires_hitl"`
	HITLReason     string          `json:"hitl_reason,omitempty"`
	HITLRequestID  string          `json:"hitl_request_id,omitempty"`
	PendingAction  *ProposedAction `json:"pending_action,omitempty"`
	ApprovedAction *ProposedAction `json:"approved_action,omitempty"`

	IsComplete     bool   `json:"is_complete"`
	Error          string `json:"error,omitempty"`
	IterationCount int    `json:"iteration_count"`
	Status         Status `json:"status"`

	Security SecurityContext `json:"security"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(req Request, now time.Time) (*RunState, error) {
	message := strings.TrimSpace(req.UserMessage)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	security := req.Security
	if security.AccessLevel == "" {
		security.AccessLevel = AccessExterno
	}
	if strings.TrimSpace(security.PrincipalID) == "" {
		security.PrincipalID = req.TriggeredBy
	}

	messages := append([]ChatTurn(nil), req.Messages...)
	messages = append(messages, ChatTurn{Role: RoleUser, Content: message})

	ts := now.UTC()
	return &RunState{
		RunID:          runID,
		ConversationID: conversationID,
		TriggeredBy:    strings.TrimSpace(req.TriggeredBy),
		UserMessage:    message,
		Messages:       messages,
		BrainLog:       []AuditEntry{},
		OKRContext:     req.OKRContext,
		Status:         StatusRunning,
		Security:       security,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

func (s *RunState) Validate() error {
	if s == nil {
		return ErrNilRunState
	}
	if strings.TrimSpace(s.RunID) == "" {
		return ErrInvalidRun
	}
	if s.IterationCount < 0 {
		return ErrNegativeCursor
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s.Status)
	}
	for i, e := range s.BrainLog {
		if !e.StepType.Valid() {
			return fmt.Errorf("brain_log[%d]: invalid step type %q", i, e.StepType)
		}
	}
	return nil
}

// Clone returns a deep copy. Tool payloads are normalised to their JSON form.
func (s *RunState) Clone() (*RunState, error) {
	if s == nil {
		return nil, ErrNilRunState
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal run state: %w", err)
	}
	var out RunState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &out, nil
}

func (s *RunState) AuditLen() int {
	if s == nil {
		return 0
	}
	return len(s.BrainLog)
}

func (s *RunState) append(e AuditEntry) *RunState {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.BrainLog = append(s.BrainLog, e)
	s.UpdatedAt = e.Timestamp
	return s
}

// Append adds pre-built entries in order.
func (s *RunState) Append(entries ...AuditEntry) *RunState {
	for _, e := range entries {
		s.append(e)
	}
	return s
}

func (s *RunState) LogThinking(content, node string) *RunState {
	return s.append(Thinking(content, node))
}

func (s *RunState) LogAction(tool string, input map[string]any, node string) *RunState {
	return s.append(Action(tool, input, node))
}

func (s *RunState) LogObservation(content, tool string, output any, node string) *RunState {
	return s.append(Observation(content, tool, output, node))
}

func (s *RunState) LogDecision(content, node string) *RunState {
	return s.append(Decision(content, node))
}

// LogError records a failure without failing the run.
func (s *RunState) LogError(content, node string) *RunState {
	return s.append(Error(content, node))
}

// Fail records a failure and sets the run error.
func (s *RunState) Fail(content, node string) *RunState {
	s.Error = content
	return s.append(Error(content, node))
}

func (s *RunState) HasVisited(node string) bool {
	for _, v := range s.VisitedAgents {
		if v == node {
			return true
		}
	}
	return false
}

func (s *RunState) MarkVisited(node string) *RunState {
	if node == "" || s.HasVisited(node) {
		return s
	}
	s.VisitedAgents = append(s.VisitedAgents, node)
	return s
}

func (s *RunState) AddGenUI(p GenUIPayload) *RunState {
	s.GenUIPayloads = append(s.GenUIPayloads, p)
	return s
}

// RequestHITL flags the run for human approval; the executor suspends next.
func (s *RunState) RequestHITL(reason string, action *ProposedAction) *RunState {
	s.RequiresHITL = true
	s.HITLReason = reason
	s.PendingAction = action
	s.NextAgent = ""
	return s.append(Decision("HITL requested: "+reason, nodeOf(action)))
}

func (s *RunState) Complete(response string) *RunState {
	s.CurrentResponse = response
	s.FinalResponse = response
	s.IsComplete = true
	s.NextAgent = ""
	return s.append(Decision(fmt.Sprintf("Final response generated (%d chars)", utf8.RuneCountInString(response)), ""))
}

// RecentEntries returns up to n of the latest audit entries.
func (s *RunState) RecentEntries(n int) []AuditEntry {
	if n <= 0 || len(s.BrainLog) == 0 {
		return nil
	}
	if n > len(s.BrainLog) {
		n = len(s.BrainLog)
	}
	return append([]AuditEntry(nil), s.BrainLog[len(s.BrainLog)-n:]...)
}

func nodeOf(a *ProposedAction) string {
	if a == nil {
		return ""
	}
	return a.Node
}
