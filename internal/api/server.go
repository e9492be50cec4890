package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifyflow/internal/domain"
	"notifyflow/internal/metrics"
	"notifyflow/internal/store"
)

type Server struct {
	r    *chi.Mux
	repo store.Repository
	met  *metrics.Registry
}

func NewServer(repo store.Repository, met *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, met: met}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/metrics", s.metrics)
	r.Get("/api/deliveries", s.listDeliveries)
	r.Get("/api/deliveries/{eventID}", s.getDelivery)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ready reports false while the delivery store is unreachable, which
// tells the platform to stop routing and lets the broker buffer events.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.met.Render()))
}

type deliveryView struct {
	EventID   string `json:"event_id"`
	Channel   string `json:"channel"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

func toView(d domain.DeliveryAttempt) deliveryView {
	return deliveryView{
		EventID:   d.EventID,
		Channel:   string(d.Channel),
		Status:    string(d.Status),
		Attempts:  d.Attempts,
		LastError: d.LastError,
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	ds, err := s.repo.GetDelivery(r.Context(), eventID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if len(ds) == 0 {
		http.Error(w, "not found", 404)
		return
	}
	views := make([]deliveryView, 0, len(ds))
	for _, d := range ds {
		views = append(views, toView(d))
	}
	writeJSON(w, 200, map[string]any{"event_id": eventID, "channels": views})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	ds, err := s.repo.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]deliveryView, 0, len(ds))
	for _, d := range ds {
		views = append(views, toView(d))
	}
	writeJSON(w, 200, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
