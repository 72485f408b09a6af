package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/profile"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/runtime"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	// IdleTimeout is how long a backend service may sit unused before its
	// container is reaped.
	IdleTimeout = 600 * time.Second

	// drainDelay is slept after marking a slot Deleting, giving in-flight
	// requests a moment to finish before the container is removed.
	drainDelay = 2 * time.Second

	// A slot stuck in Creating is waited on with fixed one-second probes.
	creatingWaitAttempts = 10
	creatingWaitDelay    = time.Second
)

// ErrSlotDeleting is returned when a service is requested while its
// container is being torn down.
var ErrSlotDeleting = errors.New("lifecycle: service is shutting down")

// ErrSlotNotReady is returned when a concurrently created service did not
// reach Running within the wait budget.
var ErrSlotNotReady = errors.New("lifecycle: service did not become ready")

type slotKey struct {
	tt types.TaskType
	id types.DeviceID
}

// Controller owns the backend container lifecycle. Slot state lives in the
// registry; the controller adds the engine calls and the idle timers.
type Controller struct {
	registry *registry.Registry
	profiles *profile.Store
	engine   runtime.Engine

	mu     sync.Mutex
	timers map[slotKey]*time.Timer
}

// New creates a lifecycle controller.
func New(reg *registry.Registry, profiles *profile.Store, engine runtime.Engine) *Controller {
	return &Controller{
		registry: reg,
		profiles: profiles,
		engine:   engine,
		timers:   make(map[slotKey]*time.Timer),
	}
}

// GetOrCreate returns the service instance for (tt, dev), creating and
// starting the backend container if the slot is empty. Each successful call
// pushes the slot's idle timer out by IdleTimeout.
func (c *Controller) GetOrCreate(ctx context.Context, tt types.TaskType, dev types.Device) (types.SrvInfo, error) {
	state, ok := c.registry.SlotState(tt, dev.GlobalID)
	if !ok {
		return types.SrvInfo{}, fmt.Errorf("lifecycle: no slot for %s on %s", tt, dev.GlobalID)
	}

	switch state {
	case types.SlotRunning:
		srv, ok := c.registry.SlotSrv(tt, dev.GlobalID)
		if !ok {
			return types.SrvInfo{}, fmt.Errorf("lifecycle: slot %s/%s running without service info", tt, dev.GlobalID)
		}
		c.refreshTimer(tt, dev)
		return srv, nil

	case types.SlotCreating:
		return c.waitRunning(tt, dev)

	case types.SlotDeleting:
		return types.SrvInfo{}, ErrSlotDeleting

	default:
		return c.create(ctx, tt, dev)
	}
}

// waitRunning polls a Creating slot until another goroutine finishes the
// creation or the wait budget runs out.
func (c *Controller) waitRunning(tt types.TaskType, dev types.Device) (types.SrvInfo, error) {
	var srv types.SrvInfo
	err := retry.Do(
		func() error {
			state, ok := c.registry.SlotState(tt, dev.GlobalID)
			if !ok || state != types.SlotRunning {
				return ErrSlotNotReady
			}
			s, ok := c.registry.SlotSrv(tt, dev.GlobalID)
			if !ok {
				return ErrSlotNotReady
			}
			srv = s
			return nil
		},
		retry.Attempts(creatingWaitAttempts),
		retry.Delay(creatingWaitDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return types.SrvInfo{}, err
	}
	c.refreshTimer(tt, dev)
	return srv, nil
}

func (c *Controller) create(ctx context.Context, tt types.TaskType, dev types.Device) (types.SrvInfo, error) {
	if !c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotNoExist, types.SlotCreating) {
		// Lost the race; someone else is creating it.
		return c.waitRunning(tt, dev)
	}

	logger := log.WithComponent("lifecycle").With().
		Str("task_type", string(tt)).Str("device_ip", dev.IPAddress).Logger()

	entry, err := c.profiles.Profile(tt, dev.Type)
	if err != nil {
		c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotCreating, types.SlotNoExist)
		return types.SrvInfo{}, err
	}

	containerID, err := c.engine.CreateContainer(ctx, dev.IPAddress, entry.Spec)
	if err != nil || containerID == "" {
		c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotCreating, types.SlotNoExist)
		if err == nil {
			err = fmt.Errorf("lifecycle: engine returned empty container id for %s", entry.Spec.ContainerName)
		}
		logger.Error().Err(err).Msg("container create failed")
		return types.SrvInfo{}, err
	}

	if err := c.engine.StartContainer(ctx, dev.IPAddress, containerID); err != nil {
		// Best effort cleanup of the created but never started container.
		if rmErr := c.engine.RemoveContainer(ctx, dev.IPAddress, containerID, true); rmErr != nil {
			logger.Warn().Err(rmErr).Str("container_id", containerID).Msg("cleanup of unstarted container failed")
		}
		c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotCreating, types.SlotNoExist)
		logger.Error().Err(err).Msg("container start failed")
		return types.SrvInfo{}, err
	}

	srv := types.SrvInfo{
		ContainerID: containerID,
		IP:          dev.IPAddress,
		Port:        entry.Spec.HostPort,
	}
	c.registry.SetSlotRunning(tt, dev.GlobalID, srv)
	c.armTimer(tt, dev)
	logger.Info().Str("container_id", containerID).Int("port", srv.Port).Msg("service started")
	return srv, nil
}

// HotStartAll pre-warms the service on every node holding a slot for the
// task type and returns how many services ended up running.
func (c *Controller) HotStartAll(ctx context.Context, tt types.TaskType) int {
	ids := c.registry.SlotNodes(tt)
	started := 0
	for _, id := range ids {
		dev, ok := c.registry.Device(id)
		if !ok {
			continue
		}
		if _, err := c.GetOrCreate(ctx, tt, dev); err != nil {
			nodeLogger := log.WithDeviceID(string(id))
			nodeLogger.Warn().Err(err).
				Str("task_type", string(tt)).Msg("hot start failed on node")
			continue
		}
		started++
	}
	logger := log.WithComponent("lifecycle")
	logger.Info().
		Str("task_type", string(tt)).
		Int("nodes", len(ids)).
		Int("started", started).
		Msg("hot start finished")
	return started
}

// Forget drops the idle timers of a removed node so its slots are not
// reaped against a gone engine.
func (c *Controller) Forget(id types.DeviceID, taskTypes []types.TaskType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tt := range taskTypes {
		key := slotKey{tt: tt, id: id}
		if t, ok := c.timers[key]; ok {
			t.Stop()
			delete(c.timers, key)
		}
	}
}

func (c *Controller) armTimer(tt types.TaskType, dev types.Device) {
	key := slotKey{tt: tt, id: dev.GlobalID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(IdleTimeout, func() { c.reap(tt, dev) })
}

func (c *Controller) refreshTimer(tt types.TaskType, dev types.Device) {
	key := slotKey{tt: tt, id: dev.GlobalID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Reset(IdleTimeout)
		return
	}
	c.timers[key] = time.AfterFunc(IdleTimeout, func() { c.reap(tt, dev) })
}

// reap tears down an idle service: Running -> Deleting, a short drain,
// container removal, then back to NoExist.
func (c *Controller) reap(tt types.TaskType, dev types.Device) {
	if !c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotRunning, types.SlotDeleting) {
		return
	}

	logger := log.WithComponent("lifecycle").With().
		Str("task_type", string(tt)).Str("device_ip", dev.IPAddress).Logger()

	srv, ok := c.registry.SlotSrv(tt, dev.GlobalID)
	time.Sleep(drainDelay)

	if ok {
		if err := c.engine.RemoveContainer(context.Background(), dev.IPAddress, srv.ContainerID, true); err != nil {
			logger.Warn().Err(err).Str("container_id", srv.ContainerID).Msg("idle container removal failed")
		}
	}

	c.registry.TransitionSlot(tt, dev.GlobalID, types.SlotDeleting, types.SlotNoExist)

	c.mu.Lock()
	delete(c.timers, slotKey{tt: tt, id: dev.GlobalID})
	c.mu.Unlock()

	logger.Info().Msg("idle service reaped")
}
