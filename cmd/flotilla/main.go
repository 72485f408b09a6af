package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgerun/flotilla/pkg/dispatch"
	"github.com/edgerun/flotilla/pkg/gateway"
	"github.com/edgerun/flotilla/pkg/history"
	"github.com/edgerun/flotilla/pkg/lifecycle"
	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/metrics"
	"github.com/edgerun/flotilla/pkg/monitor"
	"github.com/edgerun/flotilla/pkg/profile"
	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/runtime"
	"github.com/edgerun/flotilla/pkg/scheduler"
	"github.com/edgerun/flotilla/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// fileConfig is the optional gateway.yaml in the config directory. Flags
// set explicitly on the command line win over the file.
type fileConfig struct {
	Listen     string `yaml:"listen"`
	TaskPath   string `yaml:"task_path"`
	KeepUpload bool   `yaml:"keep_upload"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
}

func main() {
	var (
		configDir  string
		taskPath   string
		keepUpload bool
		listen     string
		dataDir    string
		logLevel   string
		logJSON    bool
	)

	rootCmd := &cobra.Command{
		Use:   "flotilla",
		Short: "Inference task gateway and scheduler for edge accelerator fleets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if data, err := os.ReadFile(filepath.Join(configDir, "gateway.yaml")); err == nil {
				var fc fileConfig
				if err := yaml.Unmarshal(data, &fc); err != nil {
					return fmt.Errorf("parse gateway.yaml: %w", err)
				}
				apply := func(flag string, fn func()) {
					if !cmd.Flags().Changed(flag) {
						fn()
					}
				}
				apply("listen", func() {
					if fc.Listen != "" {
						listen = fc.Listen
					}
				})
				apply("task", func() {
					if fc.TaskPath != "" {
						taskPath = fc.TaskPath
					}
				})
				apply("keep-upload", func() { keepUpload = keepUpload || fc.KeepUpload })
				apply("data-dir", func() {
					if fc.DataDir != "" {
						dataDir = fc.DataDir
					}
				})
				apply("log-level", func() {
					if fc.LogLevel != "" {
						logLevel = fc.LogLevel
					}
				})
				apply("log-json", func() { logJSON = logJSON || fc.LogJSON })
			}

			log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
			return run(configDir, taskPath, keepUpload, listen, dataDir)
		},
	}

	rootCmd.Flags().StringVarP(&configDir, "config", "c", "./myapp", "directory containing static_info.json")
	rootCmd.Flags().StringVarP(&taskPath, "task", "t", "./tasks", "upload root; payloads live at <task>/<client_ip>/<filename>")
	rootCmd.Flags().BoolVar(&keepUpload, "keep-upload", false, "do not delete uploaded files on completion")
	rootCmd.Flags().StringVar(&listen, "listen", "0.0.0.0:6666", "gateway bind address")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the task history database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "log in JSON instead of console format")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configDir, taskPath string, keepUpload bool, listen, dataDir string) error {
	logger := log.WithComponent("main")

	profiles, err := profile.Load(filepath.Join(configDir, "static_info.json"))
	if err != nil {
		return err
	}

	reg := registry.New()
	q := queue.NewManager()

	var hist *history.Store
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("prepare data dir: %w", err)
		}
		hist, err = history.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open task history: %w", err)
		}
		defer hist.Close()
		q.SetFailureSink(hist)
	}

	engine := runtime.NewDockerEngine()
	lc := lifecycle.New(reg, profiles, engine)
	sched := scheduler.New(q, reg, dispatch.NewClient())
	poller := telemetry.NewPoller(reg)
	mon := monitor.New(reg, q)
	collector := metrics.NewCollector(reg, q)

	srv := gateway.NewServer(gateway.Config{
		Listen:     listen,
		TaskPath:   taskPath,
		KeepUpload: keepUpload,
	}, reg, q, profiles, lc, hist)

	collector.Start()
	poller.Start()
	mon.Start()
	sched.Start()
	srv.Start()
	logger.Info().Str("listen", listen).Str("task_path", taskPath).Msg("master started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
	sched.Stop()
	mon.Stop()
	poller.Stop()
	collector.Stop()

	logger.Info().Msg("master stopped")
	return nil
}
