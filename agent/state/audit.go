package state

import "time"

type StepType string

const (
	StepThinking    StepType = "thinking"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
	StepDecision    StepType = "decision"
	StepError       StepType = "error"
)

func (t StepType) Valid() bool {
	switch t {
	case StepThinking, StepAction, StepObservation, StepDecision, StepError:
		return true
	default:
		return false
	}
}

// AuditEntry is one immutable brain-log record.
type AuditEntry struct {
	StepType   StepType       `json:"step_type"`
	Content    string         `json:"content"`
	Node       string         `json:"node,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput any            `json:"tool_output,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func NewEntry(kind StepType, content, node string) AuditEntry {
	return AuditEntry{
		StepType:  kind,
		Content:   content,
		Node:      node,
		Timestamp: time.Now().UTC(),
	}
}

func Thinking(content, node string) AuditEntry {
	return NewEntry(StepThinking, content, node)
}

func Decision(content, node string) AuditEntry {
	return NewEntry(StepDecision, content, node)
}

func Error(content, node string) AuditEntry {
	return NewEntry(StepError, content, node)
}

func Action(tool string, input map[string]any, node string) AuditEntry {
	e := NewEntry(StepAction, "Executing tool: "+tool, node)
	e.ToolName = tool
	e.ToolInput = input
	return e
}

func Observation(content, tool string, output any, node string) AuditEntry {
	e := NewEntry(StepObservation, content, node)
	e.ToolName = tool
	e.ToolOutput = output
	return e
}
