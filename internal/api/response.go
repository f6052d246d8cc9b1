package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every response body.
type Envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *Error          `json:"error"`
}

type envelope struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *Error    `json:"error"`
}

type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	respondJSON(w, r, http.StatusOK, data, nil)
}

func respondAccepted(w http.ResponseWriter, r *http.Request, data any) {
	respondJSON(w, r, http.StatusAccepted, data, nil)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, msg string) {
	respondJSON(w, r, status, nil, &Error{Code: code, Message: msg})
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any, apiErr *Error) {
	resp := envelope{
		Status:    "ok",
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
