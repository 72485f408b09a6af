package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

// ErrUnknownProfile is returned when no profile exists for a
// (TaskType, DeviceType) combination.
var ErrUnknownProfile = fmt.Errorf("profile: unknown (task type, device type) combination")

// ContainerSpec is the launch specification for a backend container, as
// declared in the knowledge file.
type ContainerSpec struct {
	ContainerName string   `json:"container_name"`
	Image         string   `json:"image"`
	Cmds          []string `json:"cmds"`
	Args          []string `json:"args"`
	Privileged    bool     `json:"host_config_privileged"`
	Env           []string `json:"env"`
	Binds         []string `json:"host_config_binds"`
	Devices       []string `json:"devices"`
	HostIP        string   `json:"host_ip"`
	HostPort      int      `json:"host_port"`
	ContainerPort int      `json:"container_port"`
	TTY           bool     `json:"has_tty"`
	NetworkConfig string   `json:"network_config"`
}

// Overhead is the expected resource cost of running one task of a type on a
// device, measured offline. Usage fields are in [0,1].
type Overhead struct {
	ProcTime float64 `json:"proc_time"`
	MemUsage float64 `json:"mem_usage"`
	CPUUsage float64 `json:"cpu_usage"`
	XPUUsage float64 `json:"xpu_usage"`
}

// Entry is one leaf of the knowledge file.
type Entry struct {
	Spec     ContainerSpec `json:"imageInfo"`
	Overhead Overhead      `json:"taskOverhead"`
}

// Store is the read-only (TaskType, DeviceType) -> Entry mapping loaded at
// startup. It is never mutated after Load, so readers need no locking.
type Store struct {
	entries map[types.TaskType]map[types.DeviceType]Entry
}

// Load reads the knowledge file at path. Task or device keys outside the
// closed enumerations are skipped; leaves missing imageInfo or taskOverhead
// are rejected with a logged error but do not fail the load.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}

	logger := log.WithComponent("profile")
	s := &Store{entries: make(map[types.TaskType]map[types.DeviceType]Entry)}

	for taskStr, devices := range raw {
		tt := types.ParseTaskType(taskStr)
		if tt == types.TaskTypeUnknown {
			logger.Warn().Str("task_type", taskStr).Msg("skipping unknown task type in knowledge file")
			continue
		}
		for devStr, leaf := range devices {
			dt, ok := types.ParseDeviceType(devStr)
			if !ok {
				logger.Warn().Str("device_type", devStr).Msg("skipping unknown device type in knowledge file")
				continue
			}

			var probe map[string]json.RawMessage
			if err := json.Unmarshal(leaf, &probe); err != nil {
				logger.Error().Err(err).Str("task_type", taskStr).Str("device_type", devStr).
					Msg("malformed knowledge file leaf")
				continue
			}
			if _, ok := probe["imageInfo"]; !ok {
				logger.Error().Str("device_type", devStr).Msg("knowledge file leaf missing imageInfo")
				continue
			}
			if _, ok := probe["taskOverhead"]; !ok {
				logger.Error().Str("device_type", devStr).Msg("knowledge file leaf missing taskOverhead")
				continue
			}

			var entry Entry
			if err := json.Unmarshal(leaf, &entry); err != nil {
				logger.Error().Err(err).Str("task_type", taskStr).Str("device_type", devStr).
					Msg("failed to decode knowledge file leaf")
				continue
			}

			if s.entries[tt] == nil {
				s.entries[tt] = make(map[types.DeviceType]Entry)
			}
			s.entries[tt][dt] = entry
			logger.Info().Str("task_type", taskStr).Str("device_type", devStr).Msg("profile loaded")
		}
	}

	return s, nil
}

// Profile returns the container spec and expected overhead for the
// combination, or ErrUnknownProfile if the knowledge file has no entry.
func (s *Store) Profile(tt types.TaskType, dt types.DeviceType) (Entry, error) {
	devices, ok := s.entries[tt]
	if !ok {
		return Entry{}, fmt.Errorf("%w: task type %s", ErrUnknownProfile, tt)
	}
	entry, ok := devices[dt]
	if !ok {
		return Entry{}, fmt.Errorf("%w: task type %s on device type %s", ErrUnknownProfile, tt, dt)
	}
	return entry, nil
}

// TaskTypesForDevice returns every task type the knowledge file supports on
// the given device type. Used at registration to pre-populate service slots.
func (s *Store) TaskTypesForDevice(dt types.DeviceType) []types.TaskType {
	var res []types.TaskType
	for tt, devices := range s.entries {
		if _, ok := devices[dt]; ok {
			res = append(res, tt)
		}
	}
	return res
}

// TaskTypes returns every task type present in the knowledge file.
func (s *Store) TaskTypes() []types.TaskType {
	res := make([]types.TaskType, 0, len(s.entries))
	for tt := range s.entries {
		res = append(res, tt)
	}
	return res
}
