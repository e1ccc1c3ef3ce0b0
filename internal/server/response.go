package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavel-fokin/files-intake/internal/files"
)

// Envelope is the standard API response envelope.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func ok(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: message})
}

// partial describes an operation where only one side went through.
type partial struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	BlobDone   bool   `json:"blob_done"`
	RecordDone bool   `json:"record_done"`
}

// writeError maps service errors to responses. Storage details stay in
// the logs.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *files.ValidationError
	var inconsistency *files.InconsistencyError

	switch {
	case errors.As(err, &validationErr):
		fail(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, files.ErrNotFound):
		fail(w, http.StatusNotFound, "file not found")
	case errors.As(err, &inconsistency):
		writeJSON(w, http.StatusInternalServerError, Envelope{
			Success: false,
			Error:   "operation partially completed",
			Data: partial{
				ID:         inconsistency.ID,
				Op:         inconsistency.Op,
				BlobDone:   inconsistency.BlobDone,
				RecordDone: inconsistency.RecordDone,
			},
		})
	default:
		fail(w, http.StatusInternalServerError, "internal server error")
	}
}
