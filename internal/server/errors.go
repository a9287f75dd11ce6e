package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

// WriteError writes err as a JSON error body with its suggested status and
// records it on the request log.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	if encErr := json.NewEncoder(w).Encode(errorResponse{Error: apiErr}); encErr != nil {
		slog.Default().Debug("failed to write error body", slog.String("error", encErr.Error()))
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
