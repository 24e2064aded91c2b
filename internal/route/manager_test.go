package route

import (
	"os"
	"path/filepath"
	"testing"

	"midimesh/internal/device"
	"midimesh/internal/nodeid"
)

func key(local uint16) device.Key {
	return device.Key{OwnerNode: nodeid.Nil, LocalDeviceID: local}
}

// Invariant 4 (spec §8): source == destination must fail validation.
func TestValidateRejectsSameSourceDestination(t *testing.T) {
	r := NewRule(0, key(1), key(1), ChannelAny, 0xFF)
	if err := Validate(r, nil); err == nil {
		t.Fatalf("expected error for source == destination")
	}
}

func TestValidateRejectsEmptyRuleID(t *testing.T) {
	r := NewRule(0, key(1), key(2), ChannelAny, 0xFF)
	r.RuleID = ""
	if err := Validate(r, nil); err == nil {
		t.Fatalf("expected error for empty ruleId")
	}
}

func TestValidateRejectsBadChannelFilter(t *testing.T) {
	r := NewRule(0, key(1), key(2), 17, 0xFF)
	if err := Validate(r, nil); err == nil {
		t.Fatalf("expected error for channel filter out of range")
	}
}

func TestGetDestinationsSortedByPriorityDescending(t *testing.T) {
	m := NewManager(nil)
	src := key(1)
	low := NewRule(1, src, key(2), ChannelAny, 0xFF)
	high := NewRule(10, src, key(3), ChannelAny, 0xFF)
	mid := NewRule(5, src, key(4), ChannelAny, 0xFF)

	for _, r := range []Rule{low, high, mid} {
		if err := m.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	got := m.GetDestinations(src)
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	if got[0].RuleID != high.RuleID || got[1].RuleID != mid.RuleID || got[2].RuleID != low.RuleID {
		t.Fatalf("rules not sorted by priority descending: %+v", got)
	}
}

func TestRemoveRebuildsIndex(t *testing.T) {
	m := NewManager(nil)
	src := key(1)
	r := NewRule(0, src, key(2), ChannelAny, 0xFF)
	m.Add(r)
	if !m.Remove(r.RuleID) {
		t.Fatal("expected removal to succeed")
	}
	if len(m.GetDestinations(src)) != 0 {
		t.Fatalf("expected empty index after removal")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManager(nil)
	src := key(1)
	r := NewRule(7, src, key(2), 3, 0xAA)
	if err := m.Add(r); err != nil {
		t.Fatal(err)
	}
	m.RecordForwarded(r.RuleID)
	m.RecordForwarded(r.RuleID)
	m.RecordDropped(r.RuleID)

	path := filepath.Join(t.TempDir(), "routes.json")
	if err := m.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	m2 := NewManager(nil)
	if err := m2.LoadFromFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := m2.Get(r.RuleID)
	if !ok {
		t.Fatal("rule not found after load")
	}
	if got.Priority != 7 || got.ChannelFilter != 3 || got.MessageTypeMask != 0xAA {
		t.Fatalf("rule fields lost in round trip: %+v", got)
	}
	if got.Stats.Forwarded != 2 || got.Stats.Dropped != 1 {
		t.Fatalf("stats lost in round trip: %+v", got.Stats)
	}
	if len(m2.GetDestinations(src)) != 1 {
		t.Fatalf("index not rebuilt after load")
	}
}

func TestGetEnabledAndDisabledRules(t *testing.T) {
	m := NewManager(nil)
	enabled := NewRule(0, key(1), key(2), ChannelAny, 0xFF)
	disabled := NewRule(0, key(3), key(4), ChannelAny, 0xFF)
	disabled.Enabled = false

	m.Add(enabled)
	m.Add(disabled)

	if len(m.GetEnabledRules()) != 1 {
		t.Fatalf("expected 1 enabled rule")
	}
	if len(m.GetDisabledRules()) != 1 {
		t.Fatalf("expected 1 disabled rule")
	}
}
