package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/model"
)

const yamlSnapshot = `
device: openflow:1
meters:
  - id: 5
    bands: [{type: drop, rate: 1000}]
groups:
  - id: 1
    type: select
    buckets:
      - id: 0
        weight: 1
        actions: [{type: group, group_id: 2}]
  - id: 2
    type: all
    buckets:
      - id: 0
        actions: [{type: output, port: "2"}]
tables:
  - id: 0
    flows:
      - id: f1
        priority: 100
        match: {eth_type: "0x0800"}
        instructions:
          meter_id: 5
          apply_actions: [{type: group, group_id: 1}]
    stale_flows:
      - id: old
        priority: 1
stale_groups:
  - id: 9
    type: indirect
`

const jsonSnapshot = `{
  "device": "openflow:1",
  "meters": [{"id": 5, "bands": [{"type": "drop", "rate": 1000}]}],
  "groups": [
    {"id": 1, "type": "select", "buckets": [{"id": 0, "weight": 1, "actions": [{"type": "group", "group_id": 2}]}]},
    {"id": 2, "type": "all", "buckets": [{"id": 0, "actions": [{"type": "output", "port": "2"}]}]}
  ],
  "tables": [{
    "id": 0,
    "flows": [{"id": "f1", "priority": 100, "match": {"eth_type": "0x0800"},
               "instructions": {"meter_id": 5, "apply_actions": [{"type": "group", "group_id": 1}]}}],
    "stale_flows": [{"id": "old", "priority": 1}]
  }],
  "stale_groups": [{"id": 9, "type": "indirect"}]
}`

func TestFormatOf(t *testing.T) {
	tests := map[string]SnapshotFormat{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
	}
	for path, want := range tests {
		got, err := FormatOf(path)
		if err != nil || got != want {
			t.Fatalf("FormatOf(%s): expected %s, got: %s (%v)", path, want, got, err)
		}
	}
	if _, err := FormatOf("a.txt"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Expected ErrUnknownFormat, got: %v", err)
	}
}

func TestSnapshotLoader_FormatsAgree(t *testing.T) {
	loader := NewSnapshotLoader()

	fromYAML, err := loader.Load("s.yaml", FormatYAML, []byte(yamlSnapshot))
	if err != nil {
		t.Fatalf("failed to load yaml: %v", err)
	}
	fromJSON, err := loader.Load("s.json", FormatJSON, []byte(jsonSnapshot))
	if err != nil {
		t.Fatalf("failed to load json: %v", err)
	}
	fromCUE, err := loader.Load("s.cue", FormatCUE, []byte(cueSnapshot))
	if err != nil {
		t.Fatalf("failed to load cue: %v", err)
	}

	if diff := cmp.Diff(fromJSON, fromYAML); diff != "" {
		t.Fatalf("YAML and JSON differ (-json +yaml):\n%s", diff)
	}
	if diff := cmp.Diff(fromJSON, fromCUE); diff != "" {
		t.Fatalf("CUE and JSON differ (-json +cue):\n%s", diff)
	}
}

func TestSnapshotLoader_Invalid(t *testing.T) {
	loader := NewSnapshotLoader()

	tests := []struct {
		name   string
		format SnapshotFormat
		data   string
	}{
		{"empty yaml", FormatYAML, ""},
		{"unknown yaml field", FormatYAML, "device: openflow:1\nflowz: []\n"},
		{"unknown json field", FormatJSON, `{"device": "openflow:1", "flowz": []}`},
		{"duplicate group", FormatYAML, "device: openflow:1\ngroups: [{id: 1, type: all}, {id: 1, type: all}]\n"},
		{"missing device", FormatJSON, `{"groups": []}`},
		{"flow in wrong table", FormatYAML, "device: openflow:1\ntables: [{id: 1, flows: [{id: f, table_id: 2}]}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if snap, err := loader.Load(tt.name, tt.format, []byte(tt.data)); err == nil {
				t.Fatalf("Expected an error, got: %+v", snap)
			}
		})
	}
}

func TestSnapshotLoader_NormalizesTables(t *testing.T) {
	loader := NewSnapshotLoader()

	snap, err := loader.Load("s.yaml", FormatYAML, []byte("device: openflow:1\ntables: [{id: 3, flows: [{id: f}]}]\n"))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got := snap.Tables[0].Flows[0].TableID; got != 3 {
		t.Fatalf("Expected the flow to inherit table 3, got: %d", got)
	}
}

func TestSnapshotLoader_LoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":    "device: openflow:1\n",
		"b.json":    `{"device": "openflow:2"}`,
		"c.cue":     `device: "openflow:3"`,
		"notes.txt": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	loader := NewSnapshotLoader()
	snaps, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}

	var devices []model.DeviceID
	for _, s := range snaps {
		devices = append(devices, s.Device)
	}
	want := []model.DeviceID{"openflow:1", "openflow:2", "openflow:3"}
	if diff := cmp.Diff(want, devices); diff != "" {
		t.Fatalf("Unexpected devices (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(filepath.Join(dir, "d.yaml"), []byte("device: openflow:1\n"), 0644); err != nil {
		t.Fatalf("failed to write duplicate: %v", err)
	}
	if _, err := loader.LoadDir(dir); err == nil {
		t.Fatal("Expected an error for a device defined twice")
	}
}
