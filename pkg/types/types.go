package types

import (
	"path/filepath"
	"sort"
	"strings"
)

// TaskType names a workload family. The string form is case-sensitive and is
// the canonical service name on the wire and in the knowledge file.
type TaskType string

const (
	TaskTypeYoloV5      TaskType = "YoloV5"
	TaskTypeMobileNet   TaskType = "MobileNet"
	TaskTypeBert        TaskType = "Bert"
	TaskTypeResNet50    TaskType = "ResNet50"
	TaskTypeDeeplabv3   TaskType = "deeplabv3"
	TaskTypeTranscoding TaskType = "transcoding"
	TaskTypeDecoding    TaskType = "decoding"
	TaskTypeEncoding    TaskType = "encoding"
	TaskTypeUnknown     TaskType = "Unknown"
)

// ParseTaskType maps a wire string to a TaskType. Anything outside the closed
// enumeration maps to TaskTypeUnknown.
func ParseTaskType(s string) TaskType {
	switch TaskType(s) {
	case TaskTypeYoloV5, TaskTypeMobileNet, TaskTypeBert, TaskTypeResNet50,
		TaskTypeDeeplabv3, TaskTypeTranscoding, TaskTypeDecoding, TaskTypeEncoding:
		return TaskType(s)
	default:
		return TaskTypeUnknown
	}
}

// DeviceType names a hardware family.
type DeviceType string

const (
	DeviceTypeRK3588 DeviceType = "RK3588"
	DeviceTypeAtlasL DeviceType = "ATLAS_L"
	DeviceTypeAtlasH DeviceType = "ATLAS_H"
	DeviceTypeOrin   DeviceType = "ORIN"
)

// ParseDeviceType maps a wire string to a DeviceType. The bool reports
// whether the string named a known hardware family.
func ParseDeviceType(s string) (DeviceType, bool) {
	switch DeviceType(s) {
	case DeviceTypeRK3588, DeviceTypeAtlasL, DeviceTypeAtlasH, DeviceTypeOrin:
		return DeviceType(s), true
	default:
		return "", false
	}
}

// DeviceID is the stable 128-bit node identifier in canonical UUID string
// form. Agents generate it once and persist it across restarts.
type DeviceID string

// Device is the immutable registration record of a worker node.
type Device struct {
	Type      DeviceType `json:"type"`
	GlobalID  DeviceID   `json:"global_id"`
	IPAddress string     `json:"ip_address"`
	AgentPort int        `json:"agent_port"`
	// Services optionally reported at registration; refreshed via telemetry.
	Services []TaskType `json:"services,omitempty"`
}

// DeviceStatus is the mutable load snapshot of a node, refreshed by the
// telemetry poller. Usage fields are in [0,1]; NetLatency is milliseconds,
// NetBandwidth is Mbps. A zero value means no successful poll yet.
type DeviceStatus struct {
	MemUsed        float64 `json:"mem"`
	CPUUsed        float64 `json:"cpu_used"`
	XPUUsed        float64 `json:"xpu_used"`
	NetLatency     float64 `json:"net_latency"`
	NetBandwidth   float64 `json:"net_bandwidth"`
	DisconnectTime float64 `json:"disconnectTime"`
	ReconnectTime  float64 `json:"reconnectTime"`
	TimeWindow     float64 `json:"timeWindow"`
}

// ScheduleStrategy selects the policy used to place a task.
type ScheduleStrategy string

const (
	StrategyLoadBased  ScheduleStrategy = "load"
	StrategyRoundRobin ScheduleStrategy = "roundrobin"
)

// TaskStatus is the queue-side state of a task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
)

// ImageTask is a single unit of inference work: one uploaded file, one task
// type. TaskID is the uploaded filename and is unique within a client
// request.
type ImageTask struct {
	TaskID     string           `json:"task_id"`
	FilePath   string           `json:"file_path"`
	ClientIP   string           `json:"client_ip"`
	ReqID      string           `json:"req_id"`
	TaskType   TaskType         `json:"task_type"`
	Strategy   ScheduleStrategy `json:"schedule_strategy"`
	RetryCount int              `json:"retry_count"`
	Status     TaskStatus       `json:"status"`
}

// Stem returns the task id without its file extension, used to match
// completion reports that drop the extension ("foo" completes "foo.png").
func (t ImageTask) Stem() string {
	return PathStem(t.TaskID)
}

// PathStem strips the directory and the last extension from a path-like id.
func PathStem(id string) string {
	base := filepath.Base(id)
	if ext := filepath.Ext(base); ext != "" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// ClientRequest is a batch of tasks submitted together by one client.
type ClientRequest struct {
	ReqID         string           `json:"req_id"`
	ClientIP      string           `json:"client_ip"`
	TaskType      TaskType         `json:"task_type"`
	Strategy      ScheduleStrategy `json:"schedule_strategy"`
	TotalNum      int              `json:"total_num"`
	EnqueueTimeMS int64            `json:"enqueue_time_ms"`
	Tasks         []ImageTask      `json:"tasks"`
}

// SlotState tracks the lifecycle of the backend container for one
// (TaskType, Device) combination.
type SlotState int

const (
	SlotNoExist SlotState = iota
	SlotCreating
	SlotRunning
	SlotDeleting
)

func (s SlotState) String() string {
	switch s {
	case SlotNoExist:
		return "NoExist"
	case SlotCreating:
		return "Creating"
	case SlotRunning:
		return "Running"
	case SlotDeleting:
		return "Deleting"
	}
	return "Invalid"
}

// SrvInfo addresses a running backend service instance.
type SrvInfo struct {
	ContainerID string `json:"container_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
}

// SortDeviceIDs sorts ids by their byte representation, giving the
// deterministic candidate order the round-robin cursor depends on.
func SortDeviceIDs(ids []DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
