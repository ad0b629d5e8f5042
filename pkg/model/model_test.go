package model

import (
	"strings"
	"testing"
)

func TestDeviceID_DatapathID(t *testing.T) {
	id, err := DeviceID("openflow:42").DatapathID()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected datapath id 42, got %d", id)
	}

	if _, err := DeviceID("openflow:abc").DatapathID(); err == nil {
		t.Error("Expected error for non-numeric datapath id")
	}
}

func TestDeviceRef_RoundTrip(t *testing.T) {
	dev := DeviceID("openflow:7")
	if got := dev.Ref().Device(); got != dev {
		t.Errorf("Expected %s, got %s", dev, got)
	}
}

func TestParsePath(t *testing.T) {
	dev := DeviceID("openflow:1")

	tests := []struct {
		path  Path
		kind  EntityKind
		table uint8
		key   string
	}{
		{FlowPath(dev, 3, "f1"), KindFlow, 3, "f1"},
		{StaleFlowPath(dev, 0, "f2"), KindStaleFlow, 0, "f2"},
		{GroupPath(dev, 10), KindGroup, 0, "10"},
		{StaleGroupPath(dev, 11), KindStaleGroup, 0, "11"},
		{MeterPath(dev, 5), KindMeter, 0, "5"},
		{StaleMeterPath(dev, 6), KindStaleMeter, 0, "6"},
		{TableFeaturesPath(dev, 4), KindTableFeatures, 4, "4"},
	}

	for _, tt := range tests {
		t.Run(string(tt.path), func(t *testing.T) {
			parsed, err := ParsePath(tt.path)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if parsed.Device != dev {
				t.Errorf("Expected device %s, got %s", dev, parsed.Device)
			}
			if parsed.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, parsed.Kind)
			}
			if parsed.TableID != tt.table {
				t.Errorf("Expected table %d, got %d", tt.table, parsed.TableID)
			}
			if parsed.Key != tt.key {
				t.Errorf("Expected key %s, got %s", tt.key, parsed.Key)
			}
		})
	}

	if _, err := ParsePath("/nodes/openflow:1/port/3"); err == nil {
		t.Error("Expected error for unknown entity kind")
	}
}

func TestGroupsEqual_TreatsEmptyAsNil(t *testing.T) {
	a := Group{ID: 1, Type: GroupTypeAll, Buckets: []Bucket{{ID: 0, Actions: nil}}}
	b := Group{ID: 1, Type: GroupTypeAll, Buckets: []Bucket{{ID: 0, Actions: []Action{}}}}

	if !GroupsEqual(a, b) {
		t.Errorf("Expected groups to be equal, diff: %s", DiffGroups(a, b))
	}

	b.Type = GroupTypeSelect
	if GroupsEqual(a, b) {
		t.Error("Expected groups with different types to differ")
	}
}

func TestFlowsEqual_IgnoresCookie(t *testing.T) {
	a := Flow{ID: "f1", Priority: 10, Cookie: 1, Match: map[string]string{"in_port": "1"}}
	b := a
	b.Cookie = 2

	if !FlowsEqual(a, b) {
		t.Error("Expected flows differing only by cookie to be equal")
	}

	b.Priority = 11
	if FlowsEqual(a, b) {
		t.Error("Expected flows with different priority to differ")
	}
}

func TestAction_ReferencesPort(t *testing.T) {
	if (Action{Type: ActionOutput, Port: "controller"}).ReferencesPort() {
		t.Error("Expected reserved port not to require readiness")
	}
	if !(Action{Type: ActionOutput, Port: "openflow:1:3"}).ReferencesPort() {
		t.Error("Expected physical port to require readiness")
	}
}

func TestSnapshot_Validate(t *testing.T) {
	snap := &DeviceConfigSnapshot{
		Device: "openflow:1",
		Groups: []Group{
			{ID: 1, Type: GroupTypeAll},
			{ID: 1, Type: GroupTypeIndirect},
		},
	}

	err := snap.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate group 1") {
		t.Fatalf("Expected duplicate group error, got: %v", err)
	}

	snap.Groups = snap.Groups[:1]
	snap.Groups[0].Type = "bogus"
	if err := snap.Validate(); err == nil {
		t.Error("Expected error for invalid group type")
	}
}

func TestSnapshot_NormalizeFillsTableID(t *testing.T) {
	snap := &DeviceConfigSnapshot{
		Device: "openflow:1",
		Tables: []Table{{ID: 2, Flows: []Flow{{ID: "f1"}}}},
	}
	snap.Normalize()

	if snap.Tables[0].Flows[0].TableID != 2 {
		t.Errorf("Expected table id 2, got %d", snap.Tables[0].Flows[0].TableID)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("Expected normalized snapshot to validate, got: %v", err)
	}
}
