// Package route implements the route manager (spec §4.7): CRUD and JSON
// persistence of forwarding rules, indexed by source device for fast
// lookup, sorted descending by priority.
package route

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"midimesh/internal/device"
	"midimesh/internal/nodeid"
)

// ChannelAny means "match any MIDI channel" in a Rule's ChannelFilter.
const ChannelAny = 0

// Rule is a forwarding rule (spec §3 "Forwarding rule").
type Rule struct {
	RuleID          string     `json:"ruleId"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
	Source          device.Key `json:"source"`
	Destination     device.Key `json:"destination"`
	ChannelFilter   int        `json:"channelFilter,omitempty"` // 0 = any, else 1..16
	MessageTypeMask uint8      `json:"messageTypeFilter"`
	Stats           RuleStats  `json:"statistics"`
}

// RuleStats are the per-rule forwarded/dropped counters (spec §3
// "Statistics"). Counters are monotonic; Reset is explicit. Access is
// serialized by the owning Manager's mutex, not by atomics, since every
// mutation already goes through Manager methods.
type RuleStats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// NewRule builds a rule with a freshly generated RuleID.
func NewRule(priority int, src, dst device.Key, channelFilter int, typeMask uint8) Rule {
	return Rule{
		RuleID:          uuid.NewString(),
		Enabled:         true,
		Priority:        priority,
		Source:          src,
		Destination:     dst,
		ChannelFilter:   channelFilter,
		MessageTypeMask: typeMask,
	}
}

// deviceExists abstracts the device-existence check validation needs,
// satisfied by *device.Registry.
type deviceExists interface {
	Get(id uint16) (device.Device, bool)
}

// Validate checks a rule against spec §4.7's rejection list. devices may be
// nil to skip the "unknown device" check (e.g. when validating before the
// registry is populated).
func Validate(r Rule, devices deviceExists) error {
	if r.RuleID == "" {
		return fmt.Errorf("route: ruleId must not be empty")
	}
	if r.Source == r.Destination {
		return fmt.Errorf("route: source and destination must differ")
	}
	if r.ChannelFilter < 0 || r.ChannelFilter > 16 {
		return fmt.Errorf("route: channelFilter %d out of [0,16]", r.ChannelFilter)
	}
	if devices != nil {
		if _, ok := devices.Get(r.Source.LocalDeviceID); !ok {
			return fmt.Errorf("route: unknown source device %d", r.Source.LocalDeviceID)
		}
		if _, ok := devices.Get(r.Destination.LocalDeviceID); !ok {
			return fmt.Errorf("route: unknown destination device %d", r.Destination.LocalDeviceID)
		}
	}
	return nil
}

// Manager is the thread-safe rule store with a priority-sorted,
// source-indexed lookup, rebuilt on every mutation (spec §4.7).
type Manager struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	bySrc   map[device.Key][]*Rule // sorted descending by priority
	devices deviceExists
}

// NewManager creates an empty route manager. devices is consulted by
// Validate for unknown-device rejection; it may be nil.
func NewManager(devices deviceExists) *Manager {
	return &Manager{
		rules:   make(map[string]*Rule),
		bySrc:   make(map[device.Key][]*Rule),
		devices: devices,
	}
}

// Add validates and inserts rule, rebuilding the source index.
func (m *Manager) Add(r Rule) error {
	if err := Validate(r, m.devices); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := r
	m.rules[r.RuleID] = &stored
	m.rebuildIndexLocked()
	return nil
}

// Remove deletes a rule by ID. Returns true if it existed.
func (m *Manager) Remove(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[ruleID]
	if ok {
		delete(m.rules, ruleID)
		m.rebuildIndexLocked()
	}
	return ok
}

// SetEnabled toggles a rule's enabled flag.
func (m *Manager) SetEnabled(ruleID string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return false
	}
	r.Enabled = enabled
	return true
}

// Get returns a copy of the rule with the given ID.
func (m *Manager) Get(ruleID string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

func (m *Manager) rebuildIndexLocked() {
	m.bySrc = make(map[device.Key][]*Rule)
	for _, r := range m.rules {
		m.bySrc[r.Source] = append(m.bySrc[r.Source], r)
	}
	for src := range m.bySrc {
		rs := m.bySrc[src]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
		m.bySrc[src] = rs
	}
}

// GetDestinations returns, in priority-descending order, the rules whose
// Source matches src (the indexed O(1)-amortized lookup the router engine
// uses, spec §4.7/§4.8).
func (m *Manager) GetDestinations(src device.Key) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.bySrc[src]
	out := make([]*Rule, len(rs))
	copy(out, rs)
	return out
}

// GetSourceRules returns all rules whose Source matches src, in no defined
// order (unsorted by priority; GetDestinations is the sorted form).
func (m *Manager) GetSourceRules(src device.Key) []Rule {
	return m.filtered(func(r Rule) bool { return r.Source == src })
}

// GetDestinationRules returns all rules whose Destination matches dst.
func (m *Manager) GetDestinationRules(dst device.Key) []Rule {
	return m.filtered(func(r Rule) bool { return r.Destination == dst })
}

// GetEnabledRules returns all enabled rules.
func (m *Manager) GetEnabledRules() []Rule {
	return m.filtered(func(r Rule) bool { return r.Enabled })
}

// GetDisabledRules returns all disabled rules.
func (m *Manager) GetDisabledRules() []Rule {
	return m.filtered(func(r Rule) bool { return !r.Enabled })
}

// All returns every rule.
func (m *Manager) All() []Rule {
	return m.filtered(func(Rule) bool { return true })
}

func (m *Manager) filtered(keep func(Rule) bool) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rule
	for _, r := range m.rules {
		if keep(*r) {
			out = append(out, *r)
		}
	}
	return out
}

// Stats aggregates forwarded/dropped counts across every rule.
func (m *Manager) Stats() (forwarded, dropped uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		forwarded += r.Stats.Forwarded
		dropped += r.Stats.Dropped
	}
	return
}

// RecordForwarded increments rule's forwarded counter.
func (m *Manager) RecordForwarded(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[ruleID]; ok {
		r.Stats.Forwarded++
	}
}

// RecordDropped increments rule's dropped counter.
func (m *Manager) RecordDropped(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[ruleID]; ok {
		r.Stats.Dropped++
	}
}

// RemoveRulesForNode deletes every rule whose source or destination is
// owned by node (spec §4.10 onRemoved: "purge remote devices + routes for
// that node"). Returns the removed rule IDs.
func (m *Manager) RemoveRulesForNode(node nodeid.NodeId) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, r := range m.rules {
		if r.Source.OwnerNode == node || r.Destination.OwnerNode == node {
			delete(m.rules, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.rebuildIndexLocked()
	}
	return removed
}

// SaveToFile persists every rule as a JSON array (spec §6.6).
func (m *Manager) SaveToFile(path string) error {
	rules := m.All()
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("route: marshal rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("route: write %s: %w", path, err)
	}
	return nil
}

// LoadFromFile replaces the in-memory rule set with the JSON array at path
// (spec §4.7 "loadFromFile replaces the in-memory set").
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("route: read %s: %w", path, err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("route: unmarshal %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = make(map[string]*Rule, len(rules))
	for i := range rules {
		r := rules[i]
		m.rules[r.RuleID] = &r
	}
	m.rebuildIndexLocked()
	return nil
}
