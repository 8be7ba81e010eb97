// Package httpapi exposes the safety core over HTTP: liveness, prometheus
// metrics, a combined status snapshot, and the administrative kill switch
// and breaker endpoints. It exposes state and accepts operator commands;
// it schedules nothing.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeguard/internal/breaker"
	"tradeguard/internal/feed"
	"tradeguard/internal/ports"
	"tradeguard/internal/risk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the server's collaborators.
type Config struct {
	Addr string // default ":8080"
	Gate *risk.Gate
	// Breakers is optional; without it the status omits breaker states and
	// the reset endpoint answers 404.
	Breakers *breaker.Registry
	// Supervisor is optional; without it the status omits feed health.
	Supervisor *feed.Supervisor
	Logger     ports.Logger
}

// Server is the admin and status HTTP server.
type Server struct {
	cfg     Config
	logger  ports.Logger
	httpSrv *http.Server
}

// ErrorResponse is the error format shared by all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse is the message format for command endpoints.
type SuccessResponse struct {
	Message string `json:"message"`
}

// NewServer validates the configuration and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("%w: risk gate is required for the HTTP API", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for the HTTP API", ports.ErrConfigurationError)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recovery)
	router.Use(s.requestLog)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/killswitch/activate", s.handleKillSwitchActivate).Methods(http.MethodPost)
	api.HandleFunc("/killswitch/deactivate", s.handleKillSwitchDeactivate).Methods(http.MethodPost)
	if s.cfg.Breakers != nil {
		api.HandleFunc("/breakers/reset", s.handleBreakersReset).Methods(http.MethodPost)
	}
	return router
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "HTTP API listening", map[string]interface{}{"addr": s.httpSrv.Addr})
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "HTTP API shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, SuccessResponse{Message: "ok"})
}

// feedStatus is the wire form of the supervisor health snapshot.
type feedStatus struct {
	State             string    `json:"state"`
	Connected         bool      `json:"connected"`
	LastMessageTime   time.Time `json:"last_message_time"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	CurrentBackoff    string    `json:"current_backoff"`
	OverflowCount     uint64    `json:"overflow_count"`
}

type statusResponse struct {
	Risk     risk.Status       `json:"risk"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Feed     *feedStatus       `json:"feed,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Risk: s.cfg.Gate.Status(r.Context())}

	if s.cfg.Breakers != nil {
		states := s.cfg.Breakers.States()
		resp.Breakers = make(map[string]string, len(states))
		for name, state := range states {
			resp.Breakers[name] = state.String()
		}
	}

	if s.cfg.Supervisor != nil {
		health := s.cfg.Supervisor.Health()
		resp.Feed = &feedStatus{
			State:             health.State.String(),
			Connected:         health.Connected,
			LastMessageTime:   health.LastMessageTime,
			ReconnectAttempts: health.ReconnectAttempts,
			CurrentBackoff:    health.CurrentBackoff.String(),
			OverflowCount:     s.cfg.Supervisor.OverflowCount(),
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual activation"
	}

	if err := s.cfg.Gate.ActivateKillSwitch(r.Context(), req.Reason); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to activate kill switch", Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, SuccessResponse{Message: "kill switch activated"})
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Gate.DeactivateKillSwitch(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to deactivate kill switch", Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, SuccessResponse{Message: "kill switch deactivated"})
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, r *http.Request) {
	s.cfg.Breakers.ResetAll(r.Context())
	s.writeJSON(w, http.StatusOK, SuccessResponse{Message: "breakers reset"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(context.Background(), err, "Failed to encode HTTP response")
	}
}

// recovery keeps a handler panic from taking the process down with it.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), fmt.Errorf("panic: %v", rec), "HTTP handler panicked", map[string]interface{}{
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "HTTP request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(started).String(),
		})
	})
}
