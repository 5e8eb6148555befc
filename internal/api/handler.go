package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
)

// Server is the HTTP status and control surface
type Server struct {
	admin  *usecase.AdminUsecase
	log    zerolog.Logger
	addr   string
	server *http.Server
}

// NewServer creates a new API server
func NewServer(admin *usecase.AdminUsecase, addr string, log zerolog.Logger) *Server {
	return &Server{admin: admin, addr: addr, log: log}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(RequestID)
	r.Use(Logger(s.log))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/emergency-stop", s.handleGetStop)
		r.Post("/emergency-stop", s.handleSetStop)
		r.Delete("/emergency-stop", s.handleClearStop)

		r.Get("/inbound", s.handleListInbound)
		r.Post("/inbound/{id}/retry", s.handleRetryInbound)
		r.Get("/outbound", s.handleListOutbound)
		r.Post("/outbound/{id}/retry", s.handleRetryOutbound)
		r.Get("/threads", s.handleListThreads)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleGetStop(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.admin.EmergencyStop())
}

func (s *Server) handleSetStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	st, err := s.admin.SetEmergencyStop(true, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleClearStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.SetEmergencyStop(false, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleListInbound(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseInboundStatus(queryOr(r, "status", string(domain.InboundError)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := s.admin.ListInbound(r.Context(), status, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"status": status, "items": items})
}

func (s *Server) handleListOutbound(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseOutboundStatus(queryOr(r, "status", string(domain.OutboundError)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := s.admin.ListOutbound(r.Context(), status, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"status": status, "items": items})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.admin.ListThreads(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"threads": threads})
}

func (s *Server) handleRetryInbound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.RetryInbound(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"id": id, "status": string(domain.InboundPending)})
}

func (s *Server) handleRetryOutbound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.RetryOutbound(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"id": id, "status": string(domain.OutboundPending)})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func queryOr(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
