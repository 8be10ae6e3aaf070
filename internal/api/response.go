package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
	"github.com/comigor/localchat/internal/logger"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorBody{Detail: detail})
}

// classifyError maps a chat or store error onto a status code and a detail message.
func classifyError(err error, backendAddr string) (int, string) {
	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, llm.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "inference backend is not available; make sure it is running"
	case errors.Is(err, llm.ErrBackendUnreachable):
		return http.StatusServiceUnavailable, fmt.Sprintf("failed to connect to inference backend at %s; make sure it is running and accessible", backendAddr)
	case errors.Is(err, llm.ErrBackendTimeout):
		return http.StatusGatewayTimeout, "request to inference backend timed out; please try again"
	case errors.As(err, &statusErr):
		return http.StatusInternalServerError, statusErr.Error()
	case errors.Is(err, history.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, history.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
