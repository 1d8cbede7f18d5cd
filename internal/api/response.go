package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

// fallbackErrorResponse is written when a response cannot be marshaled.
var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: marshal static response: %v", err))
	}
	return b
}

// writeJSONResponse marshals response before touching headers so an encoding
// failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		body, statusCode = fallbackErrorResponse, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

// decodeJSONBody reads at most maxBodyBytes of JSON into dst. On failure it
// writes the 400 (or 413) response itself and returns false.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
		return false
	}
	writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
	return false
}
