package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/profile"
)

// EnginePort is the plain TCP port the worker nodes expose their container
// engine API on.
const EnginePort = 2375

// Engine manages backend containers on worker nodes. It is satisfied by
// DockerEngine in production and by fakes in tests.
type Engine interface {
	CreateContainer(ctx context.Context, hostIP string, spec profile.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, hostIP, containerID string) error
	RemoveContainer(ctx context.Context, hostIP, containerID string, force bool) error
}

// DockerEngine talks to the Docker Engine API of each worker node over
// plain TCP. Clients are created lazily and cached per host.
type DockerEngine struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewDockerEngine creates an engine with an empty client cache.
func NewDockerEngine() *DockerEngine {
	return &DockerEngine{clients: make(map[string]*client.Client)}
}

func (e *DockerEngine) clientFor(hostIP string) (*client.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[hostIP]; ok {
		return c, nil
	}

	c, err := client.NewClientWithOpts(
		client.WithHost(fmt.Sprintf("tcp://%s:%d", hostIP, EnginePort)),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect engine on %s: %w", hostIP, err)
	}
	e.clients[hostIP] = c
	return c, nil
}

// CreateContainer creates a container on the node from the knowledge file
// spec and returns its id. The container is not started.
func (e *DockerEngine) CreateContainer(ctx context.Context, hostIP string, spec profile.ContainerSpec) (string, error) {
	cli, err := e.clientFor(hostIP)
	if err != nil {
		return "", err
	}

	config := &container.Config{
		Image: spec.Image,
		Cmd:   append(append([]string{}, spec.Cmds...), spec.Args...),
		Env:   spec.Env,
		Tty:   spec.TTY,
	}

	hostConfig := &container.HostConfig{
		Privileged: spec.Privileged,
		Binds:      spec.Binds,
	}
	for _, dev := range spec.Devices {
		hostConfig.Devices = append(hostConfig.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	if spec.NetworkConfig != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.NetworkConfig)
	}
	if !hostConfig.NetworkMode.IsHost() && spec.ContainerPort != 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("runtime: invalid container port %d: %w", spec.ContainerPort, err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   spec.HostIP,
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		}
	}

	created, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.ContainerName)
	if err != nil {
		return "", fmt.Errorf("runtime: create %s on %s: %w", spec.ContainerName, hostIP, err)
	}
	logger := log.WithComponent("runtime")
	if len(created.Warnings) > 0 {
		logger.Warn().
			Str("container", spec.ContainerName).
			Str("warnings", strings.Join(created.Warnings, "; ")).
			Msg("engine reported create warnings")
	}

	logger.Info().
		Str("container", spec.ContainerName).
		Str("container_id", created.ID).
		Str("host", hostIP).
		Msg("container created")
	return created.ID, nil
}

// StartContainer starts a previously created container.
func (e *DockerEngine) StartContainer(ctx context.Context, hostIP, containerID string) error {
	cli, err := e.clientFor(hostIP)
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("runtime: start %s on %s: %w", containerID, hostIP, err)
	}
	return nil
}

// RemoveContainer removes a container, optionally killing it first.
func (e *DockerEngine) RemoveContainer(ctx context.Context, hostIP, containerID string, force bool) error {
	cli, err := e.clientFor(hostIP)
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("runtime: remove %s on %s: %w", containerID, hostIP, err)
	}
	return nil
}
