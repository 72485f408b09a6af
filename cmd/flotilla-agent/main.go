package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgerun/flotilla/pkg/agent"
	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	shutdownTimeout = 10 * time.Second

	// timeWindowSec is the advisory averaging window echoed to the master.
	timeWindowSec = 5
)

func main() {
	var (
		masterIP       string
		masterPort     int
		disconnectSec  int
		reconnectSec   int
		fluctuate      bool
		noManage       bool
		listen         string
		deviceTypeName string
		configDir      string
		logLevel       string
		logJSON        bool
	)

	rootCmd := &cobra.Command{
		Use:   "flotilla-agent",
		Short: "Worker node agent: telemetry, registration, and backend supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

			if !cmd.Flags().Changed("master-ip") {
				if env := os.Getenv("MASTER_IP"); env != "" {
					masterIP = env
				}
			}
			if !cmd.Flags().Changed("master-port") {
				if env := os.Getenv("MASTER_PORT"); env != "" {
					p, err := strconv.Atoi(env)
					if err != nil {
						return fmt.Errorf("invalid MASTER_PORT %q: %w", env, err)
					}
					masterPort = p
				}
			}

			return run(agentOptions{
				masterAddr: net.JoinHostPort(masterIP, strconv.Itoa(masterPort)),
				disconnect: time.Duration(disconnectSec) * time.Second,
				reconnect:  time.Duration(reconnectSec) * time.Second,
				fluctuate:  fluctuate,
				noManage:   noManage,
				listen:     listen,
				deviceType: deviceTypeName,
				configDir:  configDir,
			})
		},
	}

	rootCmd.Flags().StringVar(&masterIP, "master-ip", "127.0.0.1", "master address (env MASTER_IP)")
	rootCmd.Flags().IntVar(&masterPort, "master-port", 6666, "master port (env MASTER_PORT)")
	rootCmd.Flags().IntVar(&disconnectSec, "disconnect", 30, "seconds connected before simulated disconnect; <= 0 disables the cycle")
	rootCmd.Flags().IntVar(&reconnectSec, "reconnect", 20, "seconds disconnected before re-registering")
	rootCmd.Flags().BoolVar(&fluctuate, "bandwidth-fluctuate", false, "report a random bandwidth instead of the fixed link rate")
	rootCmd.Flags().BoolVar(&noManage, "no-manage-services", false, "do not supervise transfer helpers and autostart backends")
	rootCmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8000", "agent bind address")
	rootCmd.Flags().StringVar(&deviceTypeName, "device-type", "RK3588", "hardware family of this node")
	rootCmd.Flags().StringVar(&configDir, "config", ".", "directory containing agent_services.json and slave_backend.json")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "log in JSON instead of console format")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type agentOptions struct {
	masterAddr string
	disconnect time.Duration
	reconnect  time.Duration
	fluctuate  bool
	noManage   bool
	listen     string
	deviceType string
	configDir  string
}

func run(opts agentOptions) error {
	logger := log.WithComponent("main")

	deviceType, ok := types.ParseDeviceType(opts.deviceType)
	if !ok {
		return fmt.Errorf("unknown device type %q", opts.deviceType)
	}

	globalID, err := agent.LoadOrCreateGlobalID()
	if err != nil {
		return err
	}
	localIP, err := agent.LocalIP()
	if err != nil {
		return err
	}
	_, portStr, err := net.SplitHostPort(opts.listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", opts.listen, err)
	}
	agentPort, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	svcCfg, err := agent.LoadServicesConfig(filepath.Join(opts.configDir, "agent_services.json"))
	if err != nil {
		return err
	}
	catalog, err := agent.LoadBackendCatalog(filepath.Join(opts.configDir, "slave_backend.json"))
	if err != nil {
		return err
	}

	supervisor := agent.NewSupervisor(catalog)
	if !opts.noManage {
		if svcCfg.RecvServer != nil {
			if err := supervisor.Manage("recv_server", *svcCfg.RecvServer); err != nil {
				logger.Warn().Err(err).Msg("recv_server not supervised")
			}
		}
		if svcCfg.RstSend != nil {
			if err := supervisor.Manage("rst_send", *svcCfg.RstSend); err != nil {
				logger.Warn().Err(err).Msg("rst_send not supervised")
			}
		}
		for _, svc := range svcCfg.AutostartServices {
			if err := supervisor.EnsureService(svc); err != nil {
				logger.Warn().Err(err).Str("service", svc).Msg("autostart failed")
			}
		}
	}

	sampler := agent.NewSampler(agent.SamplerConfig{
		MasterAddr:         opts.masterAddr,
		XPU:                agent.XPUReaderFor(deviceType),
		BandwidthFluctuate: opts.fluctuate,
		DisconnectTime:     opts.disconnect.Seconds(),
		ReconnectTime:      opts.reconnect.Seconds(),
		TimeWindow:         timeWindowSec,
	})
	sampler.Start()

	var services []types.TaskType
	for _, svc := range svcCfg.AutostartServices {
		if tt := types.ParseTaskType(svc); tt != types.TaskTypeUnknown {
			services = append(services, tt)
		}
	}

	node := types.Device{
		Type:      deviceType,
		GlobalID:  types.DeviceID(globalID),
		IPAddress: localIP,
		AgentPort: agentPort,
		Services:  services,
	}

	registrar := agent.NewRegistrar(opts.masterAddr, node, opts.disconnect, opts.reconnect)
	if err := registrar.Register(); err != nil {
		sampler.Stop()
		supervisor.Stop()
		return fmt.Errorf("initial registration failed: %w", err)
	}
	registrar.Start()

	srv := agent.NewServer(opts.listen, sampler, supervisor)
	srv.Start()
	logger.Info().
		Str("global_id", globalID).
		Str("node_ip", localIP).
		Str("master", opts.masterAddr).
		Msg("agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("agent shutdown incomplete")
	}
	registrar.Stop()
	sampler.Stop()
	supervisor.Stop()

	logger.Info().Msg("agent stopped")
	return nil
}
