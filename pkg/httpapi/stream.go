package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	auditx "github.com/tanpawarit/cognitive-backoffice/agent/audit"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream sends the current brain log of a run, then every new batch
// until the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	if s.stream == nil {
		abortWith(c, http.StatusServiceUnavailable, "STREAM_DISABLED", "audit streaming is not configured")
		return
	}
	runID := c.Param("id")

	// Subscribe before the snapshot so no batch falls between the two.
	events, unsubscribe := s.stream.Subscribe(runID)
	defer unsubscribe()

	backlog, err := s.svc.GetAuditLog(c.Request.Context(), runID)
	if err != nil && !errors.Is(err, contractx.ErrRunNotFound) {
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug().Str("run_id", runID).Str("remote_ip", c.RemoteIP()).Msg("audit stream opened")

	if len(backlog) > 0 {
		if err := write(conn, auditx.Event{RunID: runID, Entries: backlog}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := write(conn, evt); err != nil {
				s.logger.Debug().Err(err).Str("run_id", runID).Msg("audit stream closed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, evt auditx.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}
