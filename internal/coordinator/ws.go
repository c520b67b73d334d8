// Package coordinator wires the session manager to transport: a gorilla
// websocket handler upgraded through echo for the agent control channel,
// and a REST command API for the operator.
//
// Grounded on _examples/rustyguts-bken/server/internal/ws/handler.go
// (per-session Send-channel writer goroutine, inbound dispatch switch)
// and original_source/controller/server.py's _handle_client.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cuemesh/internal/logging"
	"cuemesh/internal/protocol"
	"cuemesh/internal/session"
)

const writeTimeout = 5 * time.Second

// WSHandler upgrades inbound agent connections and runs their read/write
// pumps against the session Manager.
type WSHandler struct {
	CoordinatorID string
	Manager       *session.Manager
	upgrader      websocket.Upgrader
}

// NewWSHandler returns a handler bound to mgr.
func NewWSHandler(coordinatorID string, mgr *session.Manager) *WSHandler {
	return &WSHandler{
		CoordinatorID: coordinatorID,
		Manager:       mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an echo router.
func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logging.L("coordinator").Error("ws upgrade failed", "remote", remote, "err", err)
		return fmt.Errorf("coordinator: upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, remote)
	return nil
}

func (h *WSHandler) serveConn(ctx context.Context, conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		logging.L("coordinator").Debug("ws read hello failed", "remote", remote, "err", err)
		return
	}

	msgType, _, payload, err := protocol.Decode(raw)
	if err != nil || msgType != protocol.TypeHello {
		logging.L("coordinator").Debug("ws first message is not HELLO", "remote", remote, "type", msgType)
		return
	}
	var hello protocol.HelloPayload
	if err := decodePayload(payload, &hello); err != nil {
		logging.L("coordinator").Debug("ws malformed HELLO", "remote", remote, "err", err)
		return
	}

	result := h.Manager.HandleHello(ctx, h.CoordinatorID, hello)
	sess := result.Session
	logging.L("coordinator").Info("agent connected", "agent_id", hello.AgentID, "remote", remote, "status", sess.Status())

	defer func() {
		h.Manager.Remove(hello.AgentID)
		logging.L("coordinator").Info("agent disconnected", "agent_id", hello.AgentID, "remote", remote)
	}()

	go h.writePump(conn, sess)

	ackFrame, err := protocol.Encode(protocol.TypeHelloAck, result.Ack)
	if err == nil {
		sess.TrySend(ackFrame)
	}

	h.readPump(ctx, conn, sess)
}

func (h *WSHandler) writePump(conn *websocket.Conn, sess *session.AgentSession) {
	for frame := range sess.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.L("coordinator").Debug("ws write error", "agent_id", sess.AgentID, "err", err)
			return
		}
	}
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, sess *session.AgentSession) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.L("coordinator").Debug("ws unexpected close", "agent_id", sess.AgentID, "err", err)
			}
			return
		}
		sess.Touch()
		h.handleInbound(ctx, sess, raw)
	}
}

func (h *WSHandler) handleInbound(ctx context.Context, sess *session.AgentSession, raw []byte) {
	msgType, _, payload, err := protocol.Decode(raw)
	if err != nil {
		logging.L("coordinator").Debug("malformed frame", "agent_id", sess.AgentID, "err", err)
		return
	}

	switch msgType {
	case protocol.TypeAuth:
		var p protocol.AuthPayload
		if decodePayload(payload, &p) == nil {
			sess.SetToken(p.Token)
		}

	case protocol.TypeReady:
		var p protocol.ReadyPayload
		if decodePayload(payload, &p) == nil {
			logging.L("coordinator").Debug("agent ready", "agent_id", sess.AgentID, "cue_id", p.CueID)
			h.Manager.HandleStatus(sess.AgentID, protocol.StatusPayload{CueID: p.CueID, State: protocol.StateReady})
		}

	case protocol.TypeStatus:
		var p protocol.StatusPayload
		if decodePayload(payload, &p) == nil {
			h.Manager.HandleStatus(sess.AgentID, p)
		}

	case protocol.TypeDrift:
		var p protocol.DriftPayload
		if decodePayload(payload, &p) == nil {
			h.Manager.HandleDrift(sess.AgentID, p)
		}

	case protocol.TypeHeartbeat:
		// Touch() above already refreshed liveness; nothing further to do.

	case protocol.TypeLog:
		var p protocol.LogPayload
		if decodePayload(payload, &p) == nil {
			h.Manager.HandleLog(sess.AgentID, p)
		}

	case protocol.TypeSyncReply:
		var p protocol.SyncReplyPayload
		if decodePayload(payload, &p) == nil {
			h.Manager.HandleSyncReply(sess.AgentID, p, time.Now().UnixMilli())
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if decodePayload(payload, &p) == nil {
			sess.ApplyError(p)
		}

	default:
		logging.L("coordinator").Warn("unknown message type", "agent_id", sess.AgentID, "type", msgType)
	}
}

func decodePayload(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
