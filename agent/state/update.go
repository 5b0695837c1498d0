package state

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoOutcome        = errors.New("update must set exactly one of next_agent, is_complete, requires_hitl, error")
	ErrMultipleOutcomes = errors.New("update sets more than one outcome")
	ErrNoAuditEntry     = errors.New("update must append at least one audit entry")
)

// Transition is a pure function from one run state to the next.
type Transition func(st *RunState) (*RunState, error)

type HITLFlag struct {
	Reason string          `json:"reason"`
	Action *ProposedAction `json:"action,omitempty"`
}

// Update is the partial state change a node returns.
type Update struct {
	Node     string         `json:"node"`
	Entries  []AuditEntry   `json:"entries"`
	Visited  bool           `json:"visited,omitempty"`
	Response string         `json:"response,omitempty"`
	GenUI    []GenUIPayload `json:"genui,omitempty"`
	Memories []Memory       `json:"memories,omitempty"`

	// Delegation replaces the delegation chain when non-nil.
	Delegation []string `json:"delegation,omitempty"`

	// ConsumeApproval clears the approved action once the node executed it.
	ConsumeApproval bool `json:"consume_approval,omitempty"`

	Next     string    `json:"next,omitempty"`
	Complete bool      `json:"complete,omitempty"`
	HITL     *HITLFlag `json:"hitl,omitempty"`
	Err      string    `json:"error,omitempty"`
}

func (u Update) Validate() error {
	outcomes := 0
	if strings.TrimSpace(u.Next) != "" {
		outcomes++
	}
	if u.Complete {
		outcomes++
	}
	if u.HITL != nil {
		outcomes++
	}
	if strings.TrimSpace(u.Err) != "" {
		outcomes++
	}
	switch {
	case outcomes == 0:
		return fmt.Errorf("node=%s: %w", u.Node, ErrNoOutcome)
	case outcomes > 1:
		return fmt.Errorf("node=%s: %w", u.Node, ErrMultipleOutcomes)
	}
	if len(u.Entries) == 0 {
		return fmt.Errorf("node=%s: %w", u.Node, ErrNoAuditEntry)
	}
	return nil
}

// Apply merges the update into st.
func (u Update) Apply(st *RunState) (*RunState, error) {
	if st == nil {
		return nil, ErrNilRunState
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	if u.Visited {
		st.MarkVisited(u.Node)
	}
	st.Append(u.Entries...)
	for _, p := range u.GenUI {
		st.AddGenUI(p)
	}
	st.RetrievedMemories = append(st.RetrievedMemories, u.Memories...)
	if u.Delegation != nil {
		st.DelegationChain = append([]string(nil), u.Delegation...)
	}
	if u.ConsumeApproval {
		st.ApprovedAction = nil
	}
	if u.Response != "" {
		st.CurrentResponse = u.Response
		st.Messages = append(st.Messages, ChatTurn{Role: RoleAssistant, Content: u.Response, Node: u.Node})
	}

	switch {
	case u.Err != "":
		st.Fail(u.Err, u.Node)
	case u.HITL != nil:
		st.RequestHITL(u.HITL.Reason, u.HITL.Action)
	case u.Complete:
		st.Complete(st.CurrentResponse)
	default:
		st.NextAgent = strings.TrimSpace(u.Next)
	}
	return st, nil
}

func (u Update) Transition() Transition {
	return u.Apply
}
