package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowsync/pkg/model"
)

// SnapshotFormat is the encoding of a snapshot file.
type SnapshotFormat string

const (
	FormatYAML SnapshotFormat = "yaml"
	FormatJSON SnapshotFormat = "json"
	FormatCUE  SnapshotFormat = "cue"
)

// ErrUnknownFormat is returned for files whose extension names no snapshot
// format.
var ErrUnknownFormat = errors.New("unknown snapshot format")

// FormatOf returns the snapshot format implied by the extension of path.
func FormatOf(path string) (SnapshotFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// SnapshotLoader reads device snapshots from YAML, JSON or CUE files. Every
// loaded snapshot is normalized and validated.
type SnapshotLoader struct {
	cue *CUEParser
}

// NewSnapshotLoader creates a snapshot loader.
func NewSnapshotLoader() *SnapshotLoader {
	return &SnapshotLoader{cue: NewCUEParser()}
}

// LoadFile loads the snapshot at path.
func (l *SnapshotLoader) LoadFile(path string) (*model.DeviceConfigSnapshot, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return l.Load(path, format, data)
}

// Load decodes a snapshot document. name is used in errors only.
func (l *SnapshotLoader) Load(name string, format SnapshotFormat, data []byte) (*model.DeviceConfigSnapshot, error) {
	var (
		snap *model.DeviceConfigSnapshot
		err  error
	)
	switch format {
	case FormatYAML:
		snap, err = decodeYAML(data)
	case FormatJSON:
		snap, err = decodeJSON(data)
	case FormatCUE:
		snap, err = l.cue.Parse(name, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			return nil, verrs
		}
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}

	snap.Normalize()
	if err := snap.Validate(); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}
	return snap, nil
}

// LoadDir loads every snapshot file directly under dir, sorted by file
// name. Files of other formats are skipped. Loading stops at the first
// invalid file.
func (l *SnapshotLoader) LoadDir(dir string) ([]*model.DeviceConfigSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var snaps []*model.DeviceConfigSnapshot
	seen := make(map[model.DeviceID]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := FormatOf(path); err != nil {
			continue
		}
		snap, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if other, ok := seen[snap.Device]; ok {
			return nil, fmt.Errorf("device %s is defined by both %s and %s", snap.Device, other, path)
		}
		seen[snap.Device] = path
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func decodeYAML(data []byte) (*model.DeviceConfigSnapshot, error) {
	var snap model.DeviceConfigSnapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, err
	}
	return &snap, nil
}

func decodeJSON(data []byte) (*model.DeviceConfigSnapshot, error) {
	var snap model.DeviceConfigSnapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
