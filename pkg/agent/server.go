package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

// remoteControlEnv, when set to 1, lifts the loopback-only restriction on
// the ensure-service endpoint.
const remoteControlEnv = "AGENT_ALLOW_REMOTE_CONTROL"

// Server is the agent's HTTP surface: telemetry for the master's poller
// and a local control endpoint for launching backends.
type Server struct {
	sampler    *Sampler
	supervisor *Supervisor

	httpServer *http.Server
}

// NewServer wires the agent handlers.
func NewServer(listen string, sampler *Sampler, supervisor *Supervisor) *Server {
	s := &Server{sampler: sampler, supervisor: supervisor}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/usage/device_info", s.handleDeviceInfo)
	r.Get("/usage/services", s.handleServices)
	r.Post("/ensure_service", s.handleEnsureService)

	s.httpServer = &http.Server{Addr: listen, Handler: r}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. A bind failure is fatal for the agent.
func (s *Server) Start() {
	logger := log.WithComponent("agent-http")
	go func() {
		logger.Info().Str("listen", s.httpServer.Addr).Msg("agent listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("agent listener failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// runningServices returns the supervised backends that are inference
// services, skipping the transfer helpers.
func (s *Server) runningServices() []string {
	var services []string
	for _, name := range s.supervisor.Managed() {
		if types.ParseTaskType(name) != types.TaskTypeUnknown {
			services = append(services, name)
		}
	}
	return services
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	status := s.sampler.Status()

	result := struct {
		types.DeviceStatus
		Services []string `json:"services,omitempty"`
	}{
		DeviceStatus: status,
		Services:     s.runningServices(),
	}

	writeAgentJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": result,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services := s.runningServices()
	if services == nil {
		services = []string{}
	}
	writeAgentJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": map[string]any{"running_services": services},
	})
}

func (s *Server) handleEnsureService(w http.ResponseWriter, r *http.Request) {
	if !requestFromLoopback(r) && os.Getenv(remoteControlEnv) != "1" {
		writeAgentJSON(w, http.StatusForbidden, map[string]string{
			"status": "error",
			"msg":    "remote control disabled",
		})
		return
	}

	var req struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeAgentJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"msg":    "service is required",
		})
		return
	}

	if err := s.supervisor.EnsureService(req.Service); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownService) {
			code = http.StatusBadRequest
		}
		writeAgentJSON(w, code, map[string]string{
			"status": "error",
			"msg":    err.Error(),
		})
		return
	}

	writeAgentJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"msg":    "service running",
	})
}

func requestFromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeAgentJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
