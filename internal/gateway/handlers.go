package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/dispatch"
	"github.com/haasonsaas/fingate/internal/tools/finance"
	"github.com/haasonsaas/fingate/pkg/models"
)

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, finance.InitiateAuthentication)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, finance.CompleteAuthentication)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, finance.DisconnectAccount)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := s.dispatcher.Dispatch(r.Context(), auth.UserIDFromContext(r.Context()), finance.CheckAuthenticationStatus, nil)
	writeResult(w, result)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, r.PathValue("name"))
}

// dispatchBody runs the named function with the request body as its
// arguments. The body's userId, if any, must name the caller.
func (s *Server) dispatchBody(w http.ResponseWriter, r *http.Request, name string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	result := s.dispatcher.Dispatch(r.Context(), auth.UserIDFromContext(r.Context()), name, body)
	writeResult(w, result)
}

type toolDeclaration struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	RequiresAuth bool            `json:"requiresAuth"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.dispatcher.Tools()
	out := make([]toolDeclaration, 0, len(tools))
	for _, tool := range tools {
		out = append(out, toolDeclaration{
			Name:         tool.Name(),
			Description:  tool.Description(),
			Parameters:   tool.Schema(),
			RequiresAuth: tool.Class() == finance.ClassData,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type chatRequest struct {
	Message string           `json:"message"`
	History []models.Message `json:"history,omitempty"`
}

type chatResponse struct {
	*agent.Turn
	Error *chatError `json:"error,omitempty"`
}

type chatError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.loop == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_unavailable", "no model provider is configured")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(dispatch.CodeInvalidInput), "request body must be {\"message\": string, \"history\": [...]}")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, string(dispatch.CodeInvalidInput), "message is required")
		return
	}

	turn, err := s.loop.Respond(r.Context(), auth.UserIDFromContext(r.Context()), req.History, req.Message)
	if err != nil {
		s.logger.WarnContext(r.Context(), "chat turn failed", "error", err)
		status, code := chatErrorStatus(err)
		writeJSON(w, status, chatResponse{Turn: turn, Error: &chatError{Code: code, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Turn: turn})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest, string(dispatch.CodeInvalidInput)
	case errors.Is(err, agent.ErrMaxIterations):
		return http.StatusUnprocessableEntity, "max_iterations"
	default:
		return http.StatusBadGateway, "model_error"
	}
}
