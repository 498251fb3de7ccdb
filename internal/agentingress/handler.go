package agentingress

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler wraps Ingress as a chi-compatible http.HandlerFunc, grounded on
// gateway.go's handleHeartbeat/writeJSON/writeError shape.
type Handler struct {
	ingress *Ingress
	logger  *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(ingress *Ingress, logger *zap.Logger) *Handler {
	return &Handler{ingress: ingress, logger: logger}
}

// ServeStatus handles POST /agent/status.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	var hb Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if hb.InstanceID == "" {
		h.writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	resp := h.ingress.ReceiveStatus(r.Context(), hb)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && h.logger != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
