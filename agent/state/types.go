package state

import "time"

type AccessLevel string

const (
	AccessSedePrincipal    AccessLevel = "sede_principal"
	AccessVPNInstitucional AccessLevel = "vpn_institucional"
	AccessExterno          AccessLevel = "externo"
)

// SecurityContext is the zero-trust context captured at request time.
type SecurityContext struct {
	PrincipalID    string      `json:"principal_id"`
	AccessLevel    AccessLevel `json:"access_level"`
	DeviceVerified bool        `json:"device_verified"`
	SessionID      string      `json:"session_id"`
	IPAddress      string      `json:"ip_address,omitempty"`
	UserAgent      string      `json:"user_agent,omitempty"`
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatTurn struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
	Node    string   `json:"node,omitempty"`
}

// GenUIPayload is a generated UI component streamed to the frontend.
type GenUIPayload struct {
	Component string         `json:"component"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// OKRContext carries the strategic alignment of a run.
type OKRContext struct {
	AlignedOKRIDs    []string           `json:"aligned_okr_ids,omitempty"`
	PrimaryObjective string             `json:"primary_objective,omitempty"`
	RelevanceScores  map[string]float64 `json:"relevance_scores,omitempty"`
	ContextSummary   string             `json:"context_summary,omitempty"`
}

type Memory struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance float64        `json:"importance,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProposedAction is the side effect a node holds back until a human approves it.
type ProposedAction struct {
	Node     string         `json:"node"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Response string         `json:"response,omitempty"`
}
