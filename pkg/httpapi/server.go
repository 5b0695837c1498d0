// Package httpapi serves the orchestrator over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	auditx "github.com/tanpawarit/cognitive-backoffice/agent/audit"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

type Config struct {
	Addr              string        `split_words:"true" default:":8080"`
	ReadHeaderTimeout time.Duration `split_words:"true" default:"10s"`
	ShutdownTimeout   time.Duration `split_words:"true" default:"15s"`
	JWTSecret         string        `envconfig:"JWT_SECRET"`
}

// Service is the orchestrator surface the API needs.
type Service interface {
	StartRun(ctx context.Context, req statex.Request, async bool) (*orchestratorx.RunHandle, error)
	GetRun(ctx context.Context, runID string) (*statex.RunState, error)
	GetAuditLog(ctx context.Context, runID string) ([]statex.AuditEntry, error)
	CancelRun(ctx context.Context, runID string) error
	GetApproval(ctx context.Context, approvalID string) (*hitlx.Request, error)
	ListPendingApprovals(ctx context.Context, limit int) ([]*hitlx.Request, error)
	ReviewApproval(ctx context.Context, approvalID string, status hitlx.Status, reviewer, notes string) (*orchestratorx.RunHandle, error)
	ResumeRun(ctx context.Context, approvalID string) (*orchestratorx.RunHandle, error)
	ExpireApproval(ctx context.Context, approvalID string) (*orchestratorx.RunHandle, error)
	ApprovalStats(ctx context.Context) (hitlx.Counts, error)

	ListRuns(ctx context.Context, q orchestratorx.RunQuery) ([]orchestratorx.RunSummary, error)
	ChatHistory(ctx context.Context, conversationID string) ([]statex.ChatTurn, error)

	ListAgents() []orchestratorx.Agent
	GetAgent(name string) (orchestratorx.Agent, error)
	GetAgentStats(ctx context.Context, name string) (*orchestratorx.AgentStats, error)

	SearchMemory(ctx context.Context, query string, limit int) ([]statex.Memory, error)
	Remember(ctx context.Context, mem statex.Memory) (statex.Memory, error)
}

type AccessLogger interface {
	LogAccess(ctx context.Context, evt auditx.AccessEvent) error
}

// SignatureVerifier checks the signature of a scheduled callback delivery.
type SignatureVerifier interface {
	Verify(signature string, body []byte, destination string) error
}

type Server struct {
	cfg      Config
	svc      Service
	router   *gin.Engine
	server   *http.Server
	metrics  http.Handler
	access   AccessLogger
	stream   *auditx.Broadcaster
	verifier SignatureVerifier
	callback string
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Server)

func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithAccessLog(a AccessLogger) Option {
	return func(s *Server) {
		s.access = a
	}
}

// WithStream enables the websocket audit stream.
func WithStream(b *auditx.Broadcaster) Option {
	return func(s *Server) {
		s.stream = b
	}
}

// WithExpiryVerifier enables the approval expiry callback. destination is
// the public URL the callback is delivered to.
func WithExpiryVerifier(v SignatureVerifier, destination string) Option {
	return func(s *Server) {
		s.verifier = v
		s.callback = destination
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, svc Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: log.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.router = router
	s.routes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.router.Group("/api/v1")
	v1.POST("/hitl/expire", s.handleExpire)

	secured := v1.Group("", s.zeroTrust())
	{
		secured.POST("/runs", s.handleStartRun)
		secured.GET("/runs", s.handleListRuns)
		secured.GET("/runs/:id", s.handleGetRun)
		secured.POST("/runs/:id/cancel", s.handleCancelRun)
		secured.GET("/runs/:id/audit", s.handleAuditLog)
		secured.GET("/runs/:id/ws", s.handleStream)

		secured.GET("/approvals", s.handleListApprovals)
		secured.GET("/approvals/:id", s.handleGetApproval)
		secured.POST("/approvals/:id/review", requireAccess(statex.AccessVPNInstitucional), s.handleReview)
		secured.POST("/approvals/:id/resume", requireAccess(statex.AccessVPNInstitucional), s.handleResume)
		secured.GET("/hitl/stats", s.handleApprovalStats)

		secured.GET("/chat/history/:conversation_id", s.handleChatHistory)

		secured.GET("/agents", s.handleListAgents)
		secured.GET("/agents/:id", s.handleGetAgent)
		secured.GET("/agents/:id/stats", s.handleAgentStats)

		secured.GET("/memory/search", s.handleSearchMemory)
		secured.POST("/memory", requireAccess(statex.AccessVPNInstitucional), s.handleRemember)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info().Msg("shutting down http server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()

		evt := s.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = s.logger.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", s.now().Sub(start)).
			Str("remote_ip", c.RemoteIP()).
			Msg("http request")
	}
}
