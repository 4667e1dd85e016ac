package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/tools/finance"
	"github.com/haasonsaas/fingate/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsMaxHistory      = 200
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is the envelope of every WebSocket message. Clients send "req"
// frames; the server answers with "res" frames and streams "event" frames.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsChatSendParams struct {
	Content string `json:"content"`
}

type wsToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	id     string
	userID string

	busy      atomic.Bool
	historyMu sync.Mutex
	history   []models.Message
	closeOnce sync.Once
}

func (s *Server) upgrader() websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
	if allowed := s.config.Server.AllowedOrigins; len(allowed) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, candidate := range allowed {
				if candidate == "*" || strings.EqualFold(candidate, origin) || strings.EqualFold(candidate, u.Host) {
					return true
				}
			}
			return false
		}
	}
	return upgrader
}

// handleWebSocket upgrades an authenticated request to a chat connection.
// The conversation history lives on the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// run blocks until the connection closes, so the request context
	// covers the connection's lifetime.
	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		userID: auth.UserIDFromContext(r.Context()),
	}
	session.logger = s.logger.With("ws_session", session.id, "user_id", session.userID)
	session.logger.Debug("websocket connected")
	session.run()
}

func (c *wsSession) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsSession) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		c.logger.Debug("websocket closed")
	})
}

func (c *wsSession) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if frame.Type == "" {
			frame.Type = "req"
		}
		if frame.Type != "req" {
			c.sendError(frame.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", frame.Type))
			continue
		}
		c.handleRequest(&frame)
	}
}

func (c *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsSession) handleRequest(frame *wsFrame) {
	switch frame.Method {
	case "ping":
		c.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "auth.status":
		result := c.server.dispatcher.Dispatch(c.ctx, c.userID, finance.CheckAuthenticationStatus, nil)
		c.sendResponse(frame.ID, result)
	case "tools.call":
		var params wsToolCallParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Name == "" {
			c.sendError(frame.ID, "invalid_params", "tools.call requires a name")
			return
		}
		result := c.server.dispatcher.Dispatch(c.ctx, c.userID, params.Name, params.Arguments)
		c.sendResponse(frame.ID, result)
	case "chat.reset":
		c.historyMu.Lock()
		c.history = nil
		c.historyMu.Unlock()
		c.sendResponse(frame.ID, map[string]any{"reset": true})
	case "chat.send":
		c.handleChatSend(frame)
	default:
		c.sendError(frame.ID, "unknown_method", fmt.Sprintf("unknown method %q", frame.Method))
	}
}

// handleChatSend acknowledges the request, then streams the turn as
// chat.chunk events followed by chat.done or chat.error. One turn runs at
// a time per connection.
func (c *wsSession) handleChatSend(frame *wsFrame) {
	if c.server.loop == nil {
		c.sendError(frame.ID, "chat_unavailable", "no model provider is configured")
		return
	}
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || strings.TrimSpace(params.Content) == "" {
		c.sendError(frame.ID, "invalid_params", "chat.send requires content")
		return
	}
	if ok, wait := c.server.chatLimiter.Allow(c.userID); !ok {
		c.sendError(frame.ID, "rate_limited", fmt.Sprintf("too many requests; retry in %s", wait.Round(time.Second)))
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.sendError(frame.ID, "busy", "a chat turn is already running")
		return
	}
	c.sendResponse(frame.ID, map[string]any{"accepted": true})

	c.historyMu.Lock()
	history := append([]models.Message(nil), c.history...)
	c.historyMu.Unlock()

	go func() {
		defer c.busy.Store(false)
		turn, err := c.server.loop.RespondStream(c.ctx, c.userID, history, params.Content, func(chunk *agent.ResponseChunk) {
			c.sendEvent("chat.chunk", chunk)
		})
		if turn != nil {
			c.appendHistory(turn.Messages)
		}
		if err != nil {
			c.logger.Warn("chat turn failed", "error", err)
			c.sendEvent("chat.error", wsError{Code: "model_error", Message: err.Error()})
			return
		}
		c.sendEvent("chat.done", map[string]any{"reply": turn.Reply, "iterations": turn.Iterations})
	}()
}

func (c *wsSession) appendHistory(messages []models.Message) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, messages...)
	if over := len(c.history) - wsMaxHistory; over > 0 {
		c.history = append([]models.Message(nil), c.history[over:]...)
	}
}

func (c *wsSession) sendResponse(id string, payload any) {
	ok := true
	c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsSession) sendError(id, code, message string) {
	ok := false
	c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsSession) sendEvent(event string, payload any) {
	c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload})
}

func (c *wsSession) enqueue(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode websocket frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}
