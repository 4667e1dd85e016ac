package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/haasonsaas/fingate/internal/dispatch"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes the {"error":{...}} document used by every endpoint.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeResult maps a dispatch result onto an HTTP response.
func writeResult(w http.ResponseWriter, result *dispatch.Result) {
	status := http.StatusOK
	if !result.OK {
		status = result.Error.Code.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(result.JSON())
}

// readBody reads a size-capped request body. An oversized body is answered
// with 413 and reported as not ok.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, string(dispatch.CodeInvalidInput), "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, string(dispatch.CodeInvalidInput), "failed to read request body")
		return nil, false
	}
	return body, true
}
