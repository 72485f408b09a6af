package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgerun/flotilla/pkg/log"
)

const defaultRestartDelay = 3 * time.Second

// ErrUnknownService is returned for an ensure-service request naming a
// service absent from the backend catalog.
var ErrUnknownService = errors.New("agent: unknown service")

// ProcSpec describes one supervised command.
type ProcSpec struct {
	Command         []string `json:"command"`
	Env             []string `json:"env"`
	InputDir        string   `json:"input_dir"`
	OutputDir       string   `json:"output_dir"`
	LogFile         string   `json:"log_file"`
	RestartDelaySec int      `json:"restart_delay_sec"`
}

// ServicesConfig is the shape of agent_services.json: the two fixed
// transfer helpers plus the backends to start unconditionally.
type ServicesConfig struct {
	RecvServer        *ProcSpec `json:"recv_server"`
	RstSend           *ProcSpec `json:"rst_send"`
	AutostartServices []string  `json:"autostart_services"`
}

// LoadServicesConfig reads agent_services.json. A missing file yields an
// empty config: supervision is optional.
func LoadServicesConfig(path string) (ServicesConfig, error) {
	var cfg ServicesConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("agent: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("agent: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBackendCatalog reads slave_backend.json, the service name -> launch
// template catalog.
func LoadBackendCatalog(path string) (map[string]ProcSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProcSpec{}, nil
		}
		return nil, fmt.Errorf("agent: read %s: %w", path, err)
	}
	var catalog map[string]ProcSpec
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("agent: parse %s: %w", path, err)
	}
	return catalog, nil
}

type child struct {
	spec   ProcSpec
	stopCh chan struct{}
}

// Supervisor keeps a set of child processes alive. Each child runs in its
// own process group so a termination signal reaches the whole subtree; a
// child that exits is restarted after its delay. Child failures never
// propagate to the agent.
type Supervisor struct {
	catalog map[string]ProcSpec

	mu       sync.Mutex
	children map[string]*child
	stopping bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor over the given backend catalog.
func NewSupervisor(catalog map[string]ProcSpec) *Supervisor {
	if catalog == nil {
		catalog = map[string]ProcSpec{}
	}
	return &Supervisor{
		catalog:  catalog,
		children: make(map[string]*child),
	}
}

// Manage starts supervising the named command. A second call with a name
// already under supervision is a no-op.
func (s *Supervisor) Manage(name string, spec ProcSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("agent: service %s has no command", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return errors.New("agent: supervisor is shutting down")
	}
	if _, ok := s.children[name]; ok {
		return nil
	}

	c := &child{spec: spec, stopCh: make(chan struct{})}
	s.children[name] = c
	s.wg.Add(1)
	go s.supervise(name, c)
	return nil
}

// EnsureService launches a backend from the catalog under supervision,
// rendering its placeholders and creating its work directories first.
// Idempotent for already-running services.
func (s *Supervisor) EnsureService(name string) error {
	tpl, ok := s.catalog[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	spec := renderSpec(name, tpl)
	for _, dir := range []string{spec.InputDir, spec.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("agent: prepare %s: %w", dir, err)
		}
	}
	return s.Manage(name, spec)
}

// Managed returns the names of all supervised children, sorted.
func (s *Supervisor) Managed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop terminates every child's process group and waits for the watchers
// to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	for _, c := range s.children {
		close(c.stopCh)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) supervise(name string, c *child) {
	defer s.wg.Done()
	logger := log.WithComponent("supervisor").With().Str("service", name).Logger()

	delay := defaultRestartDelay
	if c.spec.RestartDelaySec > 0 {
		delay = time.Duration(c.spec.RestartDelaySec) * time.Second
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		cmd := exec.Command(c.spec.Command[0], c.spec.Command[1:]...)
		cmd.Env = append(os.Environ(), c.spec.Env...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		var logFile *os.File
		if c.spec.LogFile != "" {
			f, err := os.OpenFile(c.spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				logger.Warn().Err(err).Str("log_file", c.spec.LogFile).Msg("cannot open service log")
			} else {
				logFile = f
				cmd.Stdout = f
				cmd.Stderr = f
			}
		}

		if err := cmd.Start(); err != nil {
			if logFile != nil {
				logFile.Close()
			}
			logger.Error().Err(err).Msg("service failed to start")
			if !sleepOrStop(delay, c.stopCh) {
				return
			}
			continue
		}
		logger.Info().Int("pid", cmd.Process.Pid).Msg("service started")

		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()

		select {
		case err := <-waitCh:
			if logFile != nil {
				logFile.Close()
			}
			logger.Warn().Err(err).Msg("service exited, restarting")
			if !sleepOrStop(delay, c.stopCh) {
				return
			}

		case <-c.stopCh:
			// Negative pid signals the whole process group.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			<-waitCh
			if logFile != nil {
				logFile.Close()
			}
			logger.Info().Msg("service stopped")
			return
		}
	}
}

func sleepOrStop(d time.Duration, stopCh <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-stopCh:
		return false
	}
}

// renderSpec substitutes the launch template placeholders with the
// service's concrete values. The work directories may themselves contain
// ${SERVICE_NAME}; they are rendered first.
func renderSpec(name string, tpl ProcSpec) ProcSpec {
	out := tpl
	out.InputDir = strings.ReplaceAll(tpl.InputDir, "${SERVICE_NAME}", name)
	out.OutputDir = strings.ReplaceAll(tpl.OutputDir, "${SERVICE_NAME}", name)

	repl := strings.NewReplacer(
		"${SERVICE_NAME}", name,
		"${INPUT_DIR}", out.InputDir,
		"${OUTPUT_DIR}", out.OutputDir,
	)

	out.Command = make([]string, len(tpl.Command))
	for i, arg := range tpl.Command {
		out.Command[i] = repl.Replace(arg)
	}
	out.Env = make([]string, len(tpl.Env))
	for i, kv := range tpl.Env {
		out.Env[i] = repl.Replace(kv)
	}
	out.LogFile = repl.Replace(tpl.LogFile)
	return out
}
