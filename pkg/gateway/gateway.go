package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgerun/flotilla/pkg/history"
	"github.com/edgerun/flotilla/pkg/lifecycle"
	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/metrics"
	"github.com/edgerun/flotilla/pkg/profile"
	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

// Config holds the gateway's runtime options.
type Config struct {
	// Listen is the bind address, e.g. "0.0.0.0:6666".
	Listen string
	// TaskPath is the upload root; the payload of a task lives at
	// <TaskPath>/<client_ip>/<filename>.
	TaskPath string
	// KeepUpload disables deletion of uploaded files on completion.
	KeepUpload bool
}

// Server is the master's public HTTP surface.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	queue     *queue.Manager
	profiles  *profile.Store
	lifecycle *lifecycle.Controller
	history   *history.Store

	httpServer *http.Server
}

// NewServer wires the gateway handlers. history may be nil, in which case
// completion bookkeeping is skipped.
func NewServer(cfg Config, reg *registry.Registry, q *queue.Manager, profiles *profile.Store, lc *lifecycle.Controller, hist *history.Store) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		queue:     q,
		profiles:  profiles,
		lifecycle: lc,
		history:   hist,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Post("/register_node", s.handleRegister)
	r.Post("/unregister_node", s.handleUnregister)
	r.Post("/schedule", s.handleSchedule)
	r.Post("/task_completed", s.handleTaskCompleted)
	r.Post("/hot_start", s.handleHotStart)
	r.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It returns once the listener is running; serve
// errors other than a clean shutdown are fatal.
func (s *Server) Start() {
	logger := log.WithComponent("gateway")
	go func() {
		logger.Info().Str("listen", s.cfg.Listen).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("gateway listener failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "flotilla gateway")
}

type nodeRequest struct {
	Type      string   `json:"type"`
	GlobalID  string   `json:"global_id"`
	IPAddress string   `json:"ip_address"`
	AgentPort int      `json:"agent_port"`
	Services  []string `json:"services"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.GlobalID == "" || req.IPAddress == "" || req.AgentPort <= 0 {
		writeError(w, http.StatusBadRequest, "global_id, ip_address and agent_port are required")
		return
	}
	deviceType, ok := types.ParseDeviceType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown device type %q", req.Type))
		return
	}

	var services []types.TaskType
	for _, svc := range req.Services {
		if tt := types.ParseTaskType(svc); tt != types.TaskTypeUnknown {
			services = append(services, tt)
		}
	}

	dev := types.Device{
		Type:      deviceType,
		GlobalID:  types.DeviceID(req.GlobalID),
		IPAddress: req.IPAddress,
		AgentPort: req.AgentPort,
		Services:  services,
	}
	supported := s.profiles.TaskTypesForDevice(deviceType)
	s.registry.Register(dev, supported)

	logger := log.WithDeviceID(req.GlobalID)
	logger.Info().
		Str("device_type", req.Type).
		Str("device_ip", req.IPAddress).
		Int("supported_task_types", len(supported)).
		Msg("node registered")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Node registered successfully")
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.GlobalID == "" {
		writeError(w, http.StatusBadRequest, "global_id is required")
		return
	}

	id := types.DeviceID(req.GlobalID)
	taskTypes, ok := s.registry.Remove(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if s.lifecycle != nil {
		s.lifecycle.Forget(id, taskTypes)
	}
	recovered := s.queue.Recover(id)

	logger := log.WithDeviceID(req.GlobalID)
	logger.Info().
		Int("recovered_tasks", recovered).
		Msg("node unregistered")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"msg":    "node unregistered",
	})
}

type scheduleRequest struct {
	IP        string   `json:"ip"`
	TaskType  string   `json:"tasktype"`
	Filename  string   `json:"filename"`
	Filenames []string `json:"filenames"`
	TotalNum  *int     `json:"total_num"`
	ReqID     string   `json:"req_id"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	strategy, ok := parseStrategy(r.URL.Query().Get("stargety"))
	if !ok {
		writeError(w, http.StatusBadRequest, "stargety must be empty, load or roundrobin")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	taskType := types.ParseTaskType(req.TaskType)
	if taskType == types.TaskTypeUnknown {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown tasktype %q", req.TaskType))
		return
	}

	files := req.Filenames
	if len(files) == 0 && req.Filename != "" {
		files = []string{req.Filename}
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "filename or filenames is required")
		return
	}
	if req.TotalNum != nil && *req.TotalNum != len(files) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("total_num %d does not match %d filenames", *req.TotalNum, len(files)))
		return
	}

	reqID := req.ReqID
	if reqID == "" {
		reqID = files[0]
	}

	for _, filename := range files {
		task := types.ImageTask{
			TaskID:   filename,
			FilePath: filepath.Join(s.cfg.TaskPath, req.IP, filename),
			ClientIP: req.IP,
			ReqID:    reqID,
			TaskType: taskType,
			Strategy: strategy,
			Status:   types.TaskPending,
		}
		s.queue.Push(task, false)
	}

	logger := log.WithReqID(reqID)
	logger.Info().
		Str("client_ip", req.IP).
		Str("task_type", string(taskType)).
		Str("strategy", string(strategy)).
		Int("tasks", len(files)).
		Msg("request accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"msg":    "task enqueued",
	})
}

func parseStrategy(s string) (types.ScheduleStrategy, bool) {
	switch s {
	// Load-weighted selection is the default when no strategy is asked for.
	case "", "load":
		return types.StrategyLoadBased, true
	case "roundrobin", "round_robin":
		return types.StrategyRoundRobin, true
	default:
		return "", false
	}
}

type completionRequest struct {
	TaskID   string `json:"task_id"`
	DeviceID string `json:"device_id"`
	ClientIP string `json:"client_ip"`
	Status   string `json:"status"`
}

func (s *Server) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.TaskID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "task_id and status are required")
		return
	}

	logger := log.WithTaskID(req.TaskID)

	if req.Status != "success" {
		logger.Warn().Str("status", req.Status).Str("device_id", req.DeviceID).
			Msg("worker reported non-success completion")
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "success",
			"msg":    "acknowledged",
		})
		return
	}

	task, found := s.queue.Complete(req.TaskID)
	if found {
		metrics.CompletionsTotal.Inc()
		if !s.cfg.KeepUpload {
			if err := os.Remove(task.FilePath); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("file_path", task.FilePath).Msg("failed to delete uploaded file")
			}
		}
		if s.history != nil {
			if err := s.history.RecordCompleted(task, types.DeviceID(req.DeviceID)); err != nil {
				logger.Warn().Err(err).Msg("failed to record completion")
			}
		}
		logger.Info().Str("device_id", req.DeviceID).Msg("task completed")
	} else {
		// Duplicate or late report; acknowledged for idempotency.
		logger.Debug().Msg("completion for unknown task acknowledged")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"msg":    "completion recorded",
	})
}

func (s *Server) handleHotStart(w http.ResponseWriter, r *http.Request) {
	taskType := types.ParseTaskType(r.URL.Query().Get("taskid"))
	if taskType == types.TaskTypeUnknown {
		http.Error(w, "unknown task type", http.StatusBadRequest)
		return
	}
	if s.lifecycle == nil {
		http.Error(w, "service lifecycle disabled", http.StatusBadRequest)
		return
	}

	// Container creation can take seconds per node; the caller waits so it
	// can observe how many services came up.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	started := s.lifecycle.HotStartAll(ctx, taskType)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "hot start of %s finished, %d services running\n", taskType, started)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"msg":    msg,
	})
}
