package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outpostlabs/sessiond/ptymux"
	"github.com/outpostlabs/sessiond/transport"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTerminalWS upgrades the connection, resolves a session via the PTY
// multiplexer's resolution order (CWD always comes from the workspace
// service, never the client), then pumps the full received-event taxonomy
// from the client until it disconnects.
func (s *Server) handleTerminalWS(c *gin.Context) {
	workspaceID := c.Query("workspaceId")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspaceId is required"})
		return
	}

	cols := parseUintQuery(c, "cols", 0)
	rows := parseUintQuery(c, "rows", 0)
	socketID := uuid.NewString()

	conn, err := s.hub.Upgrade(c.Writer, c.Request, workspaceID, socketID)
	if err != nil {
		s.log.WithError(err).Warn("handleTerminalWS: upgrade failed")
		return
	}

	if _, err := s.mux.CreatePtyForSocket(socketID, ptymux.SpawnOptions{
		WorkspaceID:   workspaceID,
		SessionID:     c.Query("sessionId"),
		RecoveryToken: c.Query("recoveryToken"),
		Shell:         c.Query("shell"),
		Cols:          cols,
		Rows:          rows,
		Name:          c.DefaultQuery("name", "main"),
		AutoCleanup:   true,
		CanRecover:    true,
	}); err != nil {
		s.log.WithError(err).Warn("handleTerminalWS: resolve session failed")
		s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
	}

	s.hub.ReadLoop(conn, func(msg transport.Message) error {
		s.dispatchClientMessage(socketID, workspaceID, msg)
		return nil
	})

	if err := s.mux.Disconnect(socketID); err != nil {
		s.log.WithError(err).WithField("socketId", socketID).Warn("handleTerminalWS: disconnect failed")
	}
}

// dispatchClientMessage handles one decoded client message per the received
// half of the event taxonomy: create-terminal, terminal-input,
// terminal-resize, kill-terminal, get-terminal-info.
func (s *Server) dispatchClientMessage(socketID, workspaceID string, msg transport.Message) {
	switch msg.Type {
	case "terminal-input":
		if err := s.mux.WriteToPty(socketID, []byte(msg.Data), msg.SessionID); err != nil {
			s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
		}

	case "terminal-resize":
		if msg.Cols == 0 || msg.Rows == 0 {
			return
		}
		if err := s.mux.ResizePty(socketID, msg.Cols, msg.Rows, msg.SessionID); err != nil {
			s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
		}

	case "create-terminal":
		ws := msg.WorkspaceID
		if ws == "" {
			ws = workspaceID
		}
		_, err := s.mux.CreatePtyForSocket(socketID, ptymux.SpawnOptions{
			WorkspaceID:   ws,
			SessionID:     msg.SessionID,
			RecoveryToken: msg.RecoveryToken,
			ForceNew:      msg.SessionID == "" && msg.RecoveryToken == "",
			AutoCleanup:   true,
			CanRecover:    true,
		})
		if err != nil {
			s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
		}

	case "kill-terminal":
		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID, _ = s.mux.SessionForSocket(socketID)
		}
		if sessionID == "" {
			return
		}
		if err := s.mux.Close(sessionID); err != nil {
			s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
		}

	case "get-terminal-info":
		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID, _ = s.mux.SessionForSocket(socketID)
		}
		if sessionID == "" {
			return
		}
		sess, err := s.sessions.GetSession(sessionID)
		if err != nil {
			s.hub.Emit(socketID, transport.Message{Type: "terminal-error", Error: err.Error()})
			return
		}
		s.hub.Emit(socketID, transport.Message{
			Type:          "terminal-info",
			WorkspaceID:   sess.WorkspaceID,
			SessionID:     sess.ID,
			SessionName:   sess.SessionName,
			RecoveryToken: sess.RecoveryToken,
		})
	}
}

func parseUintQuery(c *gin.Context, key string, fallback uint16) uint16 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(v)
}
