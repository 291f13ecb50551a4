package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"gazequiz/internal/domain"
	"gazequiz/internal/monitoring"
)

// SummaryProvider returns a finished session's results.
type SummaryProvider interface {
	Summary(ctx context.Context, sessionID string) (domain.Summary, error)
}

// GatewayOptions configures the HTTP surface.
type GatewayOptions struct {
	WS             *WSHandler
	Summaries      SummaryProvider
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewGateway builds the router: /ws, /healthz, /sessions/{id}/summary and,
// when a gatherer is given, /metrics.
func NewGateway(opts GatewayOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if opts.WS != nil {
		r.HandleFunc("/ws", opts.WS.ServeWS)
	}
	if opts.Summaries != nil {
		r.Handle("/sessions/{id}/summary", summaryHandler(opts.Summaries, log.Named("summary"))).Methods(http.MethodGet)
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", monitoring.Handler(opts.Gatherer)).Methods(http.MethodGet)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(r)
}

func summaryHandler(summaries SummaryProvider, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		summary, err := summaries.Summary(r.Context(), id)
		if err != nil {
			status := http.StatusBadGateway
			var remote *domain.RemoteError
			if errors.As(err, &remote) && remote.Status == http.StatusNotFound {
				status = http.StatusNotFound
			}
			log.Warn("summary unavailable", zap.String("session", id), zap.Error(err))
			writeJSON(w, status, errorPayload{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
