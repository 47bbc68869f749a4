package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/prediction-engine/internal/metrics"
)

// NewRouter mounts the API, the WebSocket endpoint, /health and /metrics.
// hub may be nil.
func NewRouter(h *Handler, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"prediction-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/accounts", h.OpenAccount)
			r.Get("/accounts/{advisorID}", h.GetAccount)
			r.Get("/accounts/{advisorID}/ledger", h.GetLedger)

			r.Post("/predictions", h.CreatePrediction)
			r.Get("/predictions/{advisorID}", h.ListPredictions)
			r.Get("/predictions/{advisorID}/{predictionID}", h.GetPrediction)
			r.Post("/predictions/{advisorID}/{predictionID}/exit", h.ExitPrediction)

			r.Get("/stats/{advisorID}", h.GetStats)
			r.Get("/portfolio/{advisorID}", h.GetPortfolio)

			r.Post("/broker/events", h.SubmitEvents)
			r.Post("/lifecycle/{advisorID}/evaluate", h.Evaluate)
		})
	})
	return r
}

// cors allows cross-origin requests from dashboards.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
