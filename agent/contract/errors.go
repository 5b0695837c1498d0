package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")
)

// Orchestration failure taxonomy.
var (
	ErrTransientTool    = errors.New("tool invocation failed")
	ErrClassification   = errors.New("classification failed")
	ErrTransition       = errors.New("state transition failed")
	ErrStaleCheckpoint  = errors.New("stale checkpoint write rejected")
	ErrApprovalConflict = errors.New("approval request already resolved")
	ErrApprovalExpired  = errors.New("approval request expired")
	ErrApprovalRejected = errors.New("approval request rejected")
	ErrApprovalPending  = errors.New("approval request is still pending")
	ErrRunNotFound      = errors.New("run not found")
	ErrNotCancellable   = errors.New("run is not cancellable")
	ErrRunActive        = errors.New("run is already executing")
	ErrUnknownNode      = errors.New("unknown node")
)

// Run-level error codes written into RunState.Error.
const (
	ErrorCodeHITLExpired   = "hitl_expired"
	ErrorCodeHITLRejected  = "hitl_rejected"
	ErrorCodeMaxIterations = "max_iterations"
)
