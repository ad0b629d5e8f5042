package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Path identifies one entity instance in a datastore.
type Path string

// DeviceRef identifies the device an operation is addressed to.
type DeviceRef string

// Device returns the device id encoded in the reference.
func (r DeviceRef) Device() DeviceID {
	return DeviceID(strings.TrimPrefix(string(r), "/nodes/"))
}

// EntityKind names the kind of entity a path points at.
type EntityKind string

const (
	KindFlow          EntityKind = "flow"
	KindGroup         EntityKind = "group"
	KindMeter         EntityKind = "meter"
	KindTableFeatures EntityKind = "table-features"
	KindStaleFlow     EntityKind = "stale-flow"
	KindStaleGroup    EntityKind = "stale-group"
	KindStaleMeter    EntityKind = "stale-meter"
)

// IsStale reports whether the kind is a stale marker kind.
func (k EntityKind) IsStale() bool {
	return k == KindStaleFlow || k == KindStaleGroup || k == KindStaleMeter
}

// FlowPath returns the path of a flow.
func FlowPath(device DeviceID, table uint8, flowID string) Path {
	return Path(fmt.Sprintf("/nodes/%s/table/%d/flow/%s", device, table, flowID))
}

// StaleFlowPath returns the path of a stale flow marker.
func StaleFlowPath(device DeviceID, table uint8, flowID string) Path {
	return Path(fmt.Sprintf("/nodes/%s/table/%d/stale-flow/%s", device, table, flowID))
}

// GroupPath returns the path of a group.
func GroupPath(device DeviceID, groupID uint32) Path {
	return Path(fmt.Sprintf("/nodes/%s/group/%d", device, groupID))
}

// StaleGroupPath returns the path of a stale group marker.
func StaleGroupPath(device DeviceID, groupID uint32) Path {
	return Path(fmt.Sprintf("/nodes/%s/stale-group/%d", device, groupID))
}

// MeterPath returns the path of a meter.
func MeterPath(device DeviceID, meterID uint32) Path {
	return Path(fmt.Sprintf("/nodes/%s/meter/%d", device, meterID))
}

// StaleMeterPath returns the path of a stale meter marker.
func StaleMeterPath(device DeviceID, meterID uint32) Path {
	return Path(fmt.Sprintf("/nodes/%s/stale-meter/%d", device, meterID))
}

// TableFeaturesPath returns the path of a table's features.
func TableFeaturesPath(device DeviceID, table uint8) Path {
	return Path(fmt.Sprintf("/nodes/%s/table-features/%d", device, table))
}

// ParsedPath is the decomposed form of an entity path.
type ParsedPath struct {
	Device  DeviceID
	Kind    EntityKind
	TableID uint8
	Key     string
}

// ParsePath decomposes a path produced by one of the path builders.
func ParsePath(p Path) (ParsedPath, error) {
	parts := strings.Split(strings.TrimPrefix(string(p), "/"), "/")
	if len(parts) < 4 || parts[0] != "nodes" {
		return ParsedPath{}, fmt.Errorf("malformed entity path %q", p)
	}

	out := ParsedPath{Device: DeviceID(parts[1])}
	switch {
	case parts[2] == "table" && len(parts) == 6:
		table, err := strconv.ParseUint(parts[3], 10, 8)
		if err != nil {
			return ParsedPath{}, fmt.Errorf("malformed table id in %q: %w", p, err)
		}
		out.TableID = uint8(table)
		out.Kind = EntityKind(parts[4])
		out.Key = parts[5]
		if out.Kind != KindFlow && out.Kind != KindStaleFlow {
			return ParsedPath{}, fmt.Errorf("unknown table entity %q in %q", parts[4], p)
		}
	case len(parts) == 4:
		out.Kind = EntityKind(parts[2])
		out.Key = parts[3]
		switch out.Kind {
		case KindGroup, KindStaleGroup, KindMeter, KindStaleMeter:
		case KindTableFeatures:
			table, err := strconv.ParseUint(parts[3], 10, 8)
			if err != nil {
				return ParsedPath{}, fmt.Errorf("malformed table id in %q: %w", p, err)
			}
			out.TableID = uint8(table)
		default:
			return ParsedPath{}, fmt.Errorf("unknown entity kind %q in %q", parts[2], p)
		}
	default:
		return ParsedPath{}, fmt.Errorf("malformed entity path %q", p)
	}

	return out, nil
}
