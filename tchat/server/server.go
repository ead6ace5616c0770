// Package server exposes the chat profiles over HTTP: a JSON API, a
// websocket chat endpoint, a minimal HTML page and the operational
// endpoints for health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/apps"
	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/observability"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

const defaultMaxAudioBytes = 25 << 20

// Deps carries what the server routes to.
type Deps struct {
	Config   config.ServerConfig
	Version  string
	Apps     map[string]*apps.App
	Sessions *session.Manager
	Sources  *db.Sources
	Metrics  *observability.Metrics
	Health   map[string]observability.HealthCheckFunc
	Logger   zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps     Deps
	mux      *http.ServeMux
	markdown *Markdown
	logger   zerolog.Logger
}

// New builds a server and registers its routes.
func New(deps Deps) *Server {
	if deps.Config.MaxAudioBytes <= 0 {
		deps.Config.MaxAudioBytes = defaultMaxAudioBytes
	}
	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		markdown: NewMarkdown(),
		logger:   deps.Logger.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /health", observability.HealthCheckHandler("toolchat", s.deps.Version, s.deps.Health))
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	s.handle("GET /{$}", http.HandlerFunc(s.handleIndex))

	s.handle("POST /api/sessions", http.HandlerFunc(s.handleStartSession))
	s.handle("DELETE /api/sessions/{id}", http.HandlerFunc(s.handleEndSession))
	s.handle("GET /api/sessions/{id}/history", http.HandlerFunc(s.handleHistory))
	s.handle("GET /api/sessions/{id}/transcript", http.HandlerFunc(s.handleTranscript))
	s.handle("POST /api/sessions/{id}/messages", http.HandlerFunc(s.handleMessage))
	s.handle("POST /api/sessions/{id}/audio", http.HandlerFunc(s.handleAudio))
	s.mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebsocket)
	s.handle("GET /api/sources", http.HandlerFunc(s.handleSources))
}

// handle wraps h with request logging and metrics under the route pattern.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.deps.Config.Addr,
		Handler:      s,
		ReadTimeout:  s.deps.Config.ReadTimeout,
		WriteTimeout: s.deps.Config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Server exited gracefully")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(route, rec.status, elapsed)
			if s.deps.Sessions != nil {
				s.deps.Metrics.SetActiveSessions(s.deps.Sessions.Len())
			}
		}
		s.logger.Debug().
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("Request served")
	})
}

// errorBody is the JSON shape of every failure.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeFault maps a failure that stopped a request before it ran.
func writeFault(w http.ResponseWriter, err error) {
	status, code, message := classify(err)
	writeError(w, status, code, message)
}

func faultCode(err error) string {
	_, code, _ := classify(err)
	return code
}

func classify(err error) (int, string, string) {
	var pe *ports.Error
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", err.Error()
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, "session_closed", err.Error()
	case errors.Is(err, session.ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress", err.Error()
	case errors.Is(err, adapters.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited", err.Error()
	case errors.As(err, &pe):
		if pe.Code == ports.CodeSchemaMismatch {
			return http.StatusBadRequest, string(pe.Code), pe.UserMessage()
		}
		return http.StatusBadGateway, string(pe.Code), pe.UserMessage()
	default:
		return http.StatusInternalServerError, "internal", err.Error()
	}
}

// errorOf renders a typed turn failure, or nil.
func errorOf(e *ports.Error) *errorBody {
	if e == nil {
		return nil
	}
	return &errorBody{Code: string(e.Code), Message: e.UserMessage()}
}
