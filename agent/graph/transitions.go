package graph

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// Node names used for executor-owned transitions and audit entries.
const (
	NodeSuspend = "hitl_suspend"
	NodeResume  = "hitl_resume"
	NodeEnd     = "end"
	NodeCancel  = "cancel"

	DefaultFinalResponse = "Procesamiento completado."
	GenUIApproval        = "hitl_approval"

	suspendedPrefix = "⏸️ Esta acción requiere aprobación humana: "
)

// Approval is what the suspend transition records about a created request.
type Approval struct {
	ID        string
	Reason    string
	ExpiresAt time.Time
}

func suspendTransition(a Approval) statex.Transition {
	return func(st *statex.RunState) (*statex.RunState, error) {
		reason := a.Reason
		if reason == "" {
			reason = st.HITLReason
		}
		st.HITLRequestID = a.ID
		st.Status = statex.StatusSuspended
		st.LogDecision("Esperando aprobación humana: "+reason, NodeSuspend)
		st.CurrentResponse = suspendedPrefix + reason

		data := map[string]any{
			"approval_id": a.ID,
			"reason":      reason,
			"expires_at":  a.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if p := st.PendingAction; p != nil {
			data["node"] = p.Node
			if p.Tool != "" {
				data["tool"] = p.Tool
				data["args"] = p.Args
			}
		}
		st.AddGenUI(statex.GenUIPayload{
			Component: GenUIApproval,
			Data:      data,
			Metadata:  map[string]any{"run_id": st.RunID},
		})
		return st, nil
	}
}

// Approve re-arms a suspended run: the pending action becomes the approved
// action and its node runs next.
func Approve(approvalID, reviewer string) statex.Transition {
	return func(st *statex.RunState) (*statex.RunState, error) {
		if !st.RequiresHITL {
			return nil, fmt.Errorf("run %s is not awaiting approval", st.RunID)
		}
		if st.HITLRequestID != "" && st.HITLRequestID != approvalID {
			return nil, fmt.Errorf("run %s awaits approval %s, not %s", st.RunID, st.HITLRequestID, approvalID)
		}

		action := st.PendingAction
		st.RequiresHITL = false
		st.PendingAction = nil
		st.ApprovedAction = action
		st.Status = statex.StatusRunning
		st.NextAgent = ""
		st.CurrentResponse = ""
		if action != nil {
			st.NextAgent = action.Node
			st.CurrentResponse = action.Response
		}

		who := strings.TrimSpace(reviewer)
		if who == "" {
			who = "revisor"
		}
		st.LogDecision(fmt.Sprintf("Aprobación %s concedida por %s", approvalID, who), NodeResume)
		return st, nil
	}
}

// endTransition closes a run. A non-empty failure fails it; otherwise the
// current response becomes final.
func endTransition(failure string, maxIterations int) statex.Transition {
	return func(st *statex.RunState) (*statex.RunState, error) {
		if failure != "" && st.Error == "" {
			st.Fail(failure, NodeEnd)
		}
		st.NextAgent = ""
		if st.Error != "" {
			st.Status = statex.StatusFailed
			st.LogDecision("Ejecución finalizada", NodeEnd)
			return st, nil
		}

		if !st.IsComplete {
			limited := maxIterations > 0 && st.IterationCount >= maxIterations
			if limited {
				st.LogThinking(fmt.Sprintf("Límite de iteraciones alcanzado (%d)", maxIterations), NodeEnd)
			}
			// An approved action that never ran cannot end as a success.
			if st.ApprovedAction != nil {
				code := "approved action was not executed"
				if limited {
					code = contractx.ErrorCodeMaxIterations
				}
				st.Fail(code, NodeEnd)
				st.Status = statex.StatusFailed
				st.LogDecision("Ejecución finalizada", NodeEnd)
				return st, nil
			}
			response := st.CurrentResponse
			if strings.TrimSpace(response) == "" || strings.HasPrefix(response, suspendedPrefix) {
				response = DefaultFinalResponse
			}
			st.Complete(response)
		}
		st.Status = statex.StatusCompleted
		st.LogDecision("Ejecución finalizada", NodeEnd)
		return st, nil
	}
}

func cancelTransition(reason string) statex.Transition {
	return func(st *statex.RunState) (*statex.RunState, error) {
		st.Status = statex.StatusCancelled
		st.NextAgent = ""
		if reason == "" {
			reason = "Ejecución cancelada"
		}
		st.LogDecision(reason, NodeCancel)
		return st, nil
	}
}
