package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	auditx "github.com/tanpawarit/cognitive-backoffice/agent/audit"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	qstashx "github.com/tanpawarit/cognitive-backoffice/pkg/qstash"
)

const (
	defaultPendingLimit = 50
	defaultRunLimit     = 50
	defaultMemoryLimit  = 10
	maxCallbackBody     = 1 << 16
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StartRunRequest struct {
	Message        string             `json:"message" binding:"required"`
	ConversationID string             `json:"conversation_id"`
	Messages       []statex.ChatTurn  `json:"messages"`
	OKRContext     *statex.OKRContext `json:"okr_context"`
	Async          bool               `json:"async"`
}

// ReviewRequest is a review decision. The reviewer of record is always the
// authenticated principal; a reviewer named in the body only goes into the
// notes.
type ReviewRequest struct {
	Status   hitlx.Status `json:"status" binding:"required"`
	Reviewer string       `json:"reviewer"`
	Notes    string       `json:"notes"`
}

type MemoryRequest struct {
	Content    string         `json:"content" binding:"required"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata"`
	Importance float64        `json:"importance"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleStartRun(c *gin.Context) {
	var body StartRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	sec := securityOf(c)
	handle, err := s.svc.StartRun(c.Request.Context(), statex.Request{
		ConversationID: body.ConversationID,
		TriggeredBy:    sec.PrincipalID,
		UserMessage:    body.Message,
		Messages:       body.Messages,
		OKRContext:     body.OKRContext,
		Security:       sec,
	}, body.Async)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logAccess(c, "run.start", "run", handle.RunID, map[string]any{"async": body.Async})

	status := http.StatusOK
	if body.Async {
		status = http.StatusAccepted
	}
	c.JSON(status, handle)
}

func (s *Server) handleGetRun(c *gin.Context) {
	st, err := s.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.svc.CancelRun(c.Request.Context(), runID); err != nil {
		s.fail(c, err)
		return
	}
	s.logAccess(c, "run.cancel", "run", runID, nil)
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleAuditLog(c *gin.Context) {
	runID := c.Param("id")
	entries, err := s.svc.GetAuditLog(c.Request.Context(), runID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "entries": entries})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	limit, ok := limitQuery(c, defaultPendingLimit)
	if !ok {
		return
	}
	pending, err := s.svc.ListPendingApprovals(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

func (s *Server) handleGetApproval(c *gin.Context) {
	req, err := s.svc.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleReview(c *gin.Context) {
	var body ReviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if body.Status != hitlx.StatusApproved && body.Status != hitlx.StatusRejected {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", "status must be approved or rejected")
		return
	}
	reviewer := securityOf(c).PrincipalID
	notes := reviewNotes(reviewer, body.Reviewer, body.Notes)

	approvalID := c.Param("id")
	handle, err := s.svc.ReviewApproval(c.Request.Context(), approvalID, body.Status, reviewer, notes)
	s.logAccess(c, "approval.review", "approval", approvalID, map[string]any{
		"status":   string(body.Status),
		"reviewer": reviewer,
		"ok":       err == nil,
	})
	s.respondHandle(c, handle, err)
}

func reviewNotes(principal, claimed, notes string) string {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" || claimed == principal {
		return notes
	}
	return strings.TrimSpace("[reviewer: " + claimed + "] " + notes)
}

// handleResume continues the run of an approval that was already reviewed.
func (s *Server) handleResume(c *gin.Context) {
	approvalID := c.Param("id")
	handle, err := s.svc.ResumeRun(c.Request.Context(), approvalID)
	s.logAccess(c, "approval.resume", "approval", approvalID, map[string]any{"ok": err == nil})
	s.respondHandle(c, handle, err)
}

func (s *Server) handleApprovalStats(c *gin.Context) {
	counts, err := s.svc.ApprovalStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts, "total": counts.Total()})
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, ok := limitQuery(c, defaultRunLimit)
	if !ok {
		return
	}
	q := orchestratorx.RunQuery{
		ConversationID: c.Query("conversation_id"),
		Status:         statex.Status(c.Query("status")),
		Agent:          c.Query("agent"),
		Limit:          limit,
	}
	runs, err := s.svc.ListRuns(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	turns, err := s.svc.ChatHistory(c.Request.Context(), conversationID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "messages": turns})
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.svc.ListAgents()})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleAgentStats(c *gin.Context) {
	stats, err := s.svc.GetAgentStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSearchMemory(c *gin.Context) {
	limit, ok := limitQuery(c, defaultMemoryLimit)
	if !ok {
		return
	}
	query := c.Query("q")
	memories, err := s.svc.SearchMemory(c.Request.Context(), query, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "memories": memories})
}

func (s *Server) handleRemember(c *gin.Context) {
	var body MemoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	source := strings.TrimSpace(body.Source)
	if source == "" {
		source = securityOf(c).PrincipalID
	}
	mem, err := s.svc.Remember(c.Request.Context(), statex.Memory{
		Content:    body.Content,
		Source:     source,
		Metadata:   body.Metadata,
		Importance: body.Importance,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logAccess(c, "memory.create", "memory", mem.ID, nil)
	c.JSON(http.StatusCreated, mem)
}

// limitQuery reads ?limit=, writing a 400 when it is not a positive integer.
func limitQuery(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

// handleExpire receives the scheduled expiry of an approval.
func (s *Server) handleExpire(c *gin.Context) {
	if s.verifier == nil {
		abortWith(c, http.StatusServiceUnavailable, "CALLBACK_DISABLED", "expiry callbacks are not configured")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.verifier.Verify(c.GetHeader("Upstash-Signature"), raw, s.callback); err != nil {
		s.logger.Warn().Err(err).Str("remote_ip", c.RemoteIP()).Msg("expiry callback rejected")
		abortWith(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var payload qstashx.ExpiryPayload
	if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.ApprovalID) == "" {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST", "approval_id is required")
		return
	}
	handle, err := s.svc.ExpireApproval(c.Request.Context(), payload.ApprovalID)
	s.respondHandle(c, handle, err)
}

// respondHandle writes a run handle. Rejected and expired approvals still
// carry the closed run's handle.
func (s *Server) respondHandle(c *gin.Context, handle *orchestratorx.RunHandle, err error) {
	closed := errors.Is(err, contractx.ErrApprovalRejected) || errors.Is(err, contractx.ErrApprovalExpired)
	if err != nil && (!closed || handle == nil) {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	abortWith(c, status, code, err.Error())
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, contractx.ErrValidation),
		errors.Is(err, hitlx.ErrInvalidRequest),
		errors.Is(err, hitlx.ErrInvalidStatus):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, contractx.ErrRunNotFound),
		errors.Is(err, hitlx.ErrNotFound),
		errors.Is(err, contractx.ErrUnknownNode):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, contractx.ErrApprovalPending):
		return http.StatusConflict, "APPROVAL_PENDING"
	case errors.Is(err, contractx.ErrApprovalConflict):
		return http.StatusConflict, "APPROVAL_CONFLICT"
	case errors.Is(err, contractx.ErrNotCancellable):
		return http.StatusConflict, "NOT_CANCELLABLE"
	case errors.Is(err, contractx.ErrRunActive):
		return http.StatusConflict, "RUN_ACTIVE"
	case errors.Is(err, contractx.ErrApprovalRejected):
		return http.StatusConflict, "APPROVAL_REJECTED"
	case errors.Is(err, contractx.ErrApprovalExpired):
		return http.StatusGone, "APPROVAL_EXPIRED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func abortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func (s *Server) logAccess(c *gin.Context, action, resourceType, resourceID string, meta map[string]any) {
	if s.access == nil {
		return
	}
	err := s.access.LogAccess(c.Request.Context(), auditx.AccessEvent{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Security:     securityOf(c),
		Metadata:     meta,
		At:           s.now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("access log failed")
	}
}
