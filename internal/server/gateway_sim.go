package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"missiongate/internal/app"
	"missiongate/internal/policy"
)

// registerSimulatedGateway exposes a local stand-in for the execution
// gateway. It verifies the MAC the policy engine attaches and
// acknowledges the enqueue, which makes end-to-end runs possible
// without a real gateway.
func registerSimulatedGateway(r chi.Router, core *app.Core) {
	r.Post("/gateway/simulated", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, 4<<20))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		signature := req.Header.Get("X-Mission-Signature")
		if signature == "" || !policy.VerifySignature(body, core.Config.Gateway.Secret, signature) {
			core.Log.Warn("simulated gateway rejected unsigned payload")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": apiErrorBody{Code: "invalid_signature", Message: "payload signature verification failed"},
			})
			return
		}

		var payload struct {
			CorrelationID string `json:"correlation_id"`
		}
		_ = json.Unmarshal(body, &payload)

		core.Log.Info("simulated gateway accepted execution", "correlation_id", payload.CorrelationID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ENQUEUED",
			"correlation_id": payload.CorrelationID,
			"received_at":    time.Now().UTC().Format(time.RFC3339),
		})
	})
}
