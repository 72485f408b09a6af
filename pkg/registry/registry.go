package registry

import (
	"sync"

	"github.com/edgerun/flotilla/pkg/types"
)

// Slot tracks the backend container lifecycle for one (TaskType, Device)
// combination. Transitions are made through Registry methods so they stay
// under the registry lock.
type Slot struct {
	State types.SlotState
	Srv   *types.SrvInfo
}

// Snapshot is a consistent read-only copy of the registry used by the
// scheduling policy. HasStatus reports whether at least one successful
// telemetry poll has completed for the node; policies must not score nodes
// without it.
type Snapshot struct {
	Devices        map[types.DeviceID]types.Device
	Status         map[types.DeviceID]types.DeviceStatus
	HasStatus      map[types.DeviceID]bool
	ActiveServices map[types.DeviceID][]types.TaskType
	SlotNodes      map[types.TaskType][]types.DeviceID
}

// Registry is the authoritative set of known nodes, their latest load
// snapshots, their active services, and the per-(TaskType, Device) service
// slots. A single reader-preferred lock guards all four tables plus the
// round-robin cursor.
type Registry struct {
	mu sync.RWMutex

	devices        map[types.DeviceID]types.Device
	status         map[types.DeviceID]types.DeviceStatus
	polled         map[types.DeviceID]bool
	activeServices map[types.DeviceID][]types.TaskType
	slots          map[types.TaskType]map[types.DeviceID]*Slot

	rrCursor uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices:        make(map[types.DeviceID]types.Device),
		status:         make(map[types.DeviceID]types.DeviceStatus),
		polled:         make(map[types.DeviceID]bool),
		activeServices: make(map[types.DeviceID][]types.TaskType),
		slots:          make(map[types.TaskType]map[types.DeviceID]*Slot),
	}
}

// Register adds or refreshes a node. Re-registering the same global id
// updates the address and resets the status to zero; it never duplicates
// entries. supported lists the task types to pre-populate slots for.
func (r *Registry) Register(dev types.Device, supported []types.TaskType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[dev.GlobalID] = dev
	r.status[dev.GlobalID] = types.DeviceStatus{}
	r.polled[dev.GlobalID] = false
	r.activeServices[dev.GlobalID] = append([]types.TaskType(nil), dev.Services...)

	for _, tt := range supported {
		if r.slots[tt] == nil {
			r.slots[tt] = make(map[types.DeviceID]*Slot)
		}
		if _, ok := r.slots[tt][dev.GlobalID]; !ok {
			r.slots[tt][dev.GlobalID] = &Slot{State: types.SlotNoExist}
		}
	}
}

// Remove erases the node from every table and returns the task types that
// had a slot for it, so the caller can let idle reapers wind down naturally.
// The bool reports whether the node was known.
func (r *Registry) Remove(id types.DeviceID) ([]types.TaskType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.status[id]
	if !known {
		if _, known = r.devices[id]; !known {
			return nil, false
		}
	}

	delete(r.devices, id)
	delete(r.status, id)
	delete(r.polled, id)
	delete(r.activeServices, id)

	var had []types.TaskType
	for tt, byDev := range r.slots {
		if _, ok := byDev[id]; ok {
			had = append(had, tt)
			delete(byDev, id)
		}
	}
	return had, true
}

// Device looks up the static record of a node.
func (r *Registry) Device(id types.DeviceID) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Devices returns a copy of the static table.
func (r *Registry) Devices() map[types.DeviceID]types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.DeviceID]types.Device, len(r.devices))
	for id, dev := range r.devices {
		out[id] = dev
	}
	return out
}

// UpdateStatus swaps the whole status struct for a node and marks it polled.
// Unknown nodes are ignored (the node may have unregistered mid-poll).
func (r *Registry) UpdateStatus(id types.DeviceID, s types.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return
	}
	r.status[id] = s
	r.polled[id] = true
}

// Status returns the latest load snapshot and whether a poll has completed.
func (r *Registry) Status(id types.DeviceID) (types.DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[id]
	return s, ok && r.polled[id]
}

// UpdateActiveServices replaces the reported service list for a node.
func (r *Registry) UpdateActiveServices(id types.DeviceID, services []types.TaskType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return
	}
	r.activeServices[id] = append([]types.TaskType(nil), services...)
}

// Snapshot copies the registry state for lock-free policy evaluation.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Devices:        make(map[types.DeviceID]types.Device, len(r.devices)),
		Status:         make(map[types.DeviceID]types.DeviceStatus, len(r.status)),
		HasStatus:      make(map[types.DeviceID]bool, len(r.polled)),
		ActiveServices: make(map[types.DeviceID][]types.TaskType, len(r.activeServices)),
		SlotNodes:      make(map[types.TaskType][]types.DeviceID, len(r.slots)),
	}
	for id, dev := range r.devices {
		snap.Devices[id] = dev
	}
	for id, s := range r.status {
		snap.Status[id] = s
		snap.HasStatus[id] = r.polled[id]
	}
	for id, svcs := range r.activeServices {
		snap.ActiveServices[id] = append([]types.TaskType(nil), svcs...)
	}
	for tt, byDev := range r.slots {
		ids := make([]types.DeviceID, 0, len(byDev))
		for id := range byDev {
			ids = append(ids, id)
		}
		types.SortDeviceIDs(ids)
		snap.SlotNodes[tt] = ids
	}
	return snap
}

// NextCursor returns the current round-robin cursor and advances it. A
// single cursor is shared across all task types, so rotation is fair
// fleet-wide rather than per service.
func (r *Registry) NextCursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.rrCursor
	r.rrCursor++
	return c
}

// SlotNodes lists the nodes that have a slot for the task type, in
// deterministic order.
func (r *Registry) SlotNodes(tt types.TaskType) []types.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byDev, ok := r.slots[tt]
	if !ok {
		return nil
	}
	ids := make([]types.DeviceID, 0, len(byDev))
	for id := range byDev {
		ids = append(ids, id)
	}
	types.SortDeviceIDs(ids)
	return ids
}

// SlotState reads the state of one slot.
func (r *Registry) SlotState(tt types.TaskType, id types.DeviceID) (types.SlotState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slot(tt, id)
	if !ok {
		return types.SlotNoExist, false
	}
	return slot.State, true
}

// SlotSrv reads the service address stored in a slot, if any.
func (r *Registry) SlotSrv(tt types.TaskType, id types.DeviceID) (types.SrvInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slot(tt, id)
	if !ok || slot.Srv == nil {
		return types.SrvInfo{}, false
	}
	return *slot.Srv, true
}

// TransitionSlot moves a slot from one state to another. It fails when the
// slot does not exist or is not in the expected state, which is what keeps
// two concurrent creators from racing on the same (TaskType, Device).
func (r *Registry) TransitionSlot(tt types.TaskType, id types.DeviceID, from, to types.SlotState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slot(tt, id)
	if !ok || slot.State != from {
		return false
	}
	slot.State = to
	if to == types.SlotNoExist {
		slot.Srv = nil
	}
	return true
}

// SetSlotRunning stores the service address and marks the slot Running.
func (r *Registry) SetSlotRunning(tt types.TaskType, id types.DeviceID, srv types.SrvInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slot(tt, id)
	if !ok {
		return false
	}
	slot.Srv = &srv
	slot.State = types.SlotRunning
	return true
}

// slot must be called with the lock held.
func (r *Registry) slot(tt types.TaskType, id types.DeviceID) (*Slot, bool) {
	byDev, ok := r.slots[tt]
	if !ok {
		return nil, false
	}
	slot, ok := byDev[id]
	return slot, ok
}
