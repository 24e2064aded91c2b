// Package device implements the device registry and routing table (spec
// §4.6): a catalog of local and remote MIDI endpoints with fast
// deviceId -> owner lookup.
package device

import (
	"sort"
	"sync"

	"midimesh/internal/nodeid"
)

// Kind distinguishes MIDI input from output endpoints.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
)

func (k Kind) String() string {
	if k == KindInput {
		return "input"
	}
	return "output"
}

// Key uniquely identifies a MIDI endpoint anywhere in the mesh (spec §3
// DeviceKey). Ordering is lexicographic on (OwnerNode, LocalDeviceID).
type Key struct {
	OwnerNode     nodeid.NodeId
	LocalDeviceID uint16
}

// Less implements the lexicographic ordering spec §3 requires.
func (k Key) Less(o Key) bool {
	if k.OwnerNode != o.OwnerNode {
		return k.OwnerNode.String() < o.OwnerNode.String()
	}
	return k.LocalDeviceID < o.LocalDeviceID
}

// Device is a catalog record for one MIDI endpoint (spec §3 "Device
// record"). A local device's OwnerNode is always the current process's
// NodeId; remote devices always have IsLocal = false.
type Device struct {
	ID           uint16
	Name         string
	Kind         Kind
	Manufacturer string
	IsLocal      bool
	OwnerNode    nodeid.NodeId
}

// Route is the simplified deviceId -> owner view the router engine
// consults (spec §3 "Route"). A Nil NodeId means "local".
type Route struct {
	DeviceID uint16
	NodeId   nodeid.NodeId
	Name     string
	Kind     Kind
}

// Registry is the thread-safe device catalog + routing table.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint16]Device
	nextID  uint16
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint16]Device)}
}

// AddLocal registers a local device record. self is this process's NodeId,
// forced onto the record regardless of d.OwnerNode (spec §3 invariant: "a
// local device has ownerNode = this process's NodeId"). Adding with an
// existing ID overwrites (spec §4.6).
func (r *Registry) AddLocal(self nodeid.NodeId, d Device) {
	d.IsLocal = true
	d.OwnerNode = self
	r.add(d)
}

// AddRemote registers a device owned by a remote peer. owner must not be
// Nil. Adding with an existing ID overwrites.
func (r *Registry) AddRemote(owner nodeid.NodeId, d Device) {
	d.IsLocal = false
	d.OwnerNode = owner
	r.add(d)
}

func (r *Registry) add(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
	if d.ID >= r.nextID {
		r.nextID = d.ID + 1
	}
}

// Remove deletes a single device by ID. Returns true if it existed.
func (r *Registry) Remove(id uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	return ok
}

// RemoveAllForNode removes every device owned by node (used on peer
// disconnect, spec §4.10 onRemoved). Returns the removed device IDs.
func (r *Registry) RemoveAllForNode(node nodeid.NodeId) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []uint16
	for id, d := range r.devices {
		if d.OwnerNode == node {
			delete(r.devices, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Clear removes all devices.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[uint16]Device)
	r.nextID = 0
}

// Get returns a by-value copy of the device record for id (the device
// registry "shares device records by value on lookup (no aliasing)", spec
// §3 Ownership).
func (r *Registry) Get(id uint16) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// AllocateNextID returns the next available device ID without reserving it.
func (r *Registry) AllocateNextID() uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// All returns a snapshot of every registered device, sorted by ID.
func (r *Registry) All() []Device {
	return r.filtered(func(Device) bool { return true })
}

// Local returns a snapshot of local devices only.
func (r *Registry) Local() []Device {
	return r.filtered(func(d Device) bool { return d.IsLocal })
}

// Remote returns a snapshot of remote devices only.
func (r *Registry) Remote() []Device {
	return r.filtered(func(d Device) bool { return !d.IsLocal })
}

// ByNode returns a snapshot of devices owned by node.
func (r *Registry) ByNode(node nodeid.NodeId) []Device {
	return r.filtered(func(d Device) bool { return d.OwnerNode == node })
}

func (r *Registry) filtered(keep func(Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports total/local/remote device counts.
func (r *Registry) Counts() (total, local, remote int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		total++
		if d.IsLocal {
			local++
		} else {
			remote++
		}
	}
	return
}

// Route returns the routing-table view of device id: its owner NodeId
// (Nil for local), name, and kind.
func (r *Registry) Route(id uint16) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Route{}, false
	}
	owner := d.OwnerNode
	if d.IsLocal {
		owner = nodeid.Nil
	}
	return Route{DeviceID: id, NodeId: owner, Name: d.Name, Kind: d.Kind}, true
}
