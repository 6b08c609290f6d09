// Package admin serves metrics, health and state endpoints for the relay.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/rfbrelay/internal/obs"
	"github.com/matst80/rfbrelay/internal/web"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	WaitingProducers int            `json:"waiting_producers"`
	WaitingConsumers int            `json:"waiting_consumers"`
	Keys             map[string]int `json:"keys"`
	Active           int            `json:"active_pairs"`
	Matched          int64          `json:"matched"`
	Workers          int            `json:"workers"`
	Uptime           string         `json:"uptime"`
	Now              string         `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"WaitingProducers": s.WaitingProducers,
		"WaitingConsumers": s.WaitingConsumers,
		"Keys":             s.Keys,
		"Active":           s.Active,
		"Matched":          s.Matched,
		"Workers":          s.Workers,
		"Uptime":           s.Uptime,
	}
}

// Source supplies the data behind the endpoints.
type Source interface {
	Stats(ctx context.Context) (Stats, error)
	Ready() bool
	// Lookup reports which instances hold waiters for role and key.
	Lookup(ctx context.Context, role, key string) (map[string]int64, error)
}

type Server struct {
	srv *http.Server
	ln  net.Listener
	src Source
}

func New(addr string, src Source) *Server {
	s := &Server{src: src}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the mux; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/presence", s.handlePresence)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.src.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("admin.server", obs.Fields{"err": err.Error(), "addr": s.srv.Addr})
		}
	}()
	obs.Info("admin.listening", obs.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.src.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	role, key := r.URL.Query().Get("role"), r.URL.Query().Get("key")
	if role == "" || key == "" {
		http.Error(w, "role and key are required", http.StatusBadRequest)
		return
	}
	got, err := s.src.Lookup(r.Context(), role, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(got)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	st, err := s.src.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte("dashboard template missing"))
	}
}
