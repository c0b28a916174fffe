// Package api provides HTTP handlers and middleware for the coach server.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"coach-server/internal/coach"
	"coach-server/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SuccessResponse represents a success response body.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Detail: message})
}

func writeSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

// writeCoachError maps domain errors to status codes. Anything unrecognised
// is logged and reported as a 500 without leaking the cause.
func writeCoachError(w http.ResponseWriter, err error) {
	switch {
	case coach.IsValidation(err):
		writeBadRequest(w, err.Error())
	case errors.Is(err, coach.ErrUnauthorized):
		writeUnauthorized(w)
	case coach.IsBudgetExhausted(err):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, coach.ErrSessionNotFound):
		writeNotFound(w, "Session not found")
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w, "Not found")
	case errors.Is(err, store.ErrReservationActive):
		writeError(w, http.StatusConflict, coach.ErrSessionBusy.Error())
	case coach.IsSessionBusy(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coach.ErrUnknownTool):
		writeBadRequest(w, err.Error())
	case coach.IsConfigError(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("api: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
