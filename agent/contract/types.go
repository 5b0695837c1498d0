package contract

import (
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// NoneNode is the router selection that asks the user for clarification.
const NoneNode = "none"

type NodeInfo struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

type ClassifyRequest struct {
	UserMessage   string             `json:"user_message"`
	History       []statex.ChatTurn  `json:"history,omitempty"`
	VisitedAgents []string           `json:"visited_agents,omitempty"`
	Options       []NodeInfo         `json:"options"`
	OKRContext    *statex.OKRContext `json:"okr_context,omitempty"`
}

type Decision struct {
	Selected              string   `json:"selected_agent"`
	Confidence            float64  `json:"confidence"`
	Reasoning             string   `json:"reasoning"`
	RequiresCollaboration bool     `json:"requires_collaboration,omitempty"`
	Secondary             []string `json:"secondary_agents,omitempty"`
	Failed                bool     `json:"failed,omitempty"`
	FailureReason         string   `json:"failure_reason,omitempty"`
	TokensUsed            int      `json:"tokens_used,omitempty"`
}

type SpecialistRequest struct {
	Department     string            `json:"department"`
	UserMessage    string            `json:"user_message"`
	History        []statex.ChatTurn `json:"history,omitempty"`
	OKRSummary     string            `json:"okr_summary,omitempty"`
	Memories       []statex.Memory   `json:"memories,omitempty"`
	PreviousAgents []string          `json:"previous_agents,omitempty"`
	ToolResults    []ToolResult      `json:"tool_results,omitempty"`
}

type SpecialistResponse struct {
	Message      string                `json:"message"`
	ToolRequests []ToolRequest         `json:"tool_requests,omitempty"`
	DelegateTo   string                `json:"delegate_to,omitempty"`
	GenUI        []statex.GenUIPayload `json:"genui,omitempty"`
}

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
