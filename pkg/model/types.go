package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceID identifies a forwarding device, e.g. "openflow:1".
type DeviceID string

// String returns the device id as a string.
func (d DeviceID) String() string {
	return string(d)
}

// DatapathID parses the numeric datapath id that follows the last ':' of the device id.
func (d DeviceID) DatapathID() (uint64, error) {
	s := string(d)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device %q has no numeric datapath id: %w", string(d), err)
	}
	return id, nil
}

// Ref returns the device reference handed to device-facing collaborators.
func (d DeviceID) Ref() DeviceRef {
	return DeviceRef("/nodes/" + string(d))
}

// GroupType is the OpenFlow group type.
type GroupType string

const (
	// GroupTypeAll executes every bucket.
	GroupTypeAll GroupType = "all"

	// GroupTypeSelect executes one bucket chosen by weight.
	GroupTypeSelect GroupType = "select"

	// GroupTypeIndirect executes its single bucket.
	GroupTypeIndirect GroupType = "indirect"

	// GroupTypeFastFailover executes the first live bucket.
	GroupTypeFastFailover GroupType = "fast-failover"
)

// ActionType identifies the kind of a bucket or flow action.
type ActionType string

const (
	// ActionOutput forwards to a device port.
	ActionOutput ActionType = "output"

	// ActionGroup forwards to another group.
	ActionGroup ActionType = "group"

	// ActionSetField rewrites a header field.
	ActionSetField ActionType = "set-field"

	// ActionPushVLAN pushes a VLAN tag.
	ActionPushVLAN ActionType = "push-vlan"

	// ActionPopVLAN pops the outermost VLAN tag.
	ActionPopVLAN ActionType = "pop-vlan"

	// ActionDrop drops the packet.
	ActionDrop ActionType = "drop"

	// ActionController punts the packet to the controller.
	ActionController ActionType = "controller"
)

// Wildcard identifiers used by bundle remove-all messages.
const (
	// TableAll addresses every flow table.
	TableAll uint8 = 0xff

	// GroupAll addresses every group.
	GroupAll uint32 = 0xfffffffc
)

// Action is a single action inside a bucket or an apply-actions instruction.
type Action struct {
	Order   int        `json:"order" yaml:"order"`
	Type    ActionType `json:"type" yaml:"type" validate:"required,oneof=output group set-field push-vlan pop-vlan drop controller"`
	Port    string     `json:"port,omitempty" yaml:"port,omitempty" validate:"required_if=Type output"`
	GroupID uint32     `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Field   string     `json:"field,omitempty" yaml:"field,omitempty" validate:"required_if=Type set-field"`
	Value   string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// ReferencesGroup reports whether the action forwards to another group.
func (a Action) ReferencesGroup() bool {
	return a.Type == ActionGroup
}

// ReferencesPort reports whether the action forwards to a physical device port
// whose readiness matters. Reserved ports are always present on a device.
func (a Action) ReferencesPort() bool {
	return a.Type == ActionOutput && a.Port != "" && !IsReservedPort(a.Port)
}

var reservedPorts = map[string]bool{
	"ALL":        true,
	"ANY":        true,
	"CONTROLLER": true,
	"FLOOD":      true,
	"IN_PORT":    true,
	"LOCAL":      true,
	"NORMAL":     true,
	"TABLE":      true,
}

// IsReservedPort reports whether port names an OpenFlow reserved port.
func IsReservedPort(port string) bool {
	return reservedPorts[strings.ToUpper(port)]
}

// Bucket is a weighted action list inside a group.
type Bucket struct {
	ID         uint32   `json:"id" yaml:"id"`
	Weight     uint16   `json:"weight,omitempty" yaml:"weight,omitempty"`
	WatchPort  string   `json:"watch_port,omitempty" yaml:"watch_port,omitempty"`
	WatchGroup uint32   `json:"watch_group,omitempty" yaml:"watch_group,omitempty"`
	Actions    []Action `json:"actions" yaml:"actions" validate:"dive"`
}

// Group is a device-side indirection object bundling buckets of actions.
type Group struct {
	ID      uint32    `json:"id" yaml:"id"`
	Type    GroupType `json:"type" yaml:"type" validate:"required,oneof=all select indirect fast-failover"`
	Buckets []Bucket  `json:"buckets" yaml:"buckets" validate:"dive"`
}

// ReferencedGroups returns the ids of groups this group forwards to, in bucket order.
func (g Group) ReferencedGroups() []uint32 {
	var ids []uint32
	for _, b := range g.Buckets {
		for _, a := range b.Actions {
			if a.ReferencesGroup() {
				ids = append(ids, a.GroupID)
			}
		}
	}
	return ids
}

// ReferencedPorts returns the non-reserved ports this group outputs to.
func (g Group) ReferencedPorts() []string {
	var ports []string
	for _, b := range g.Buckets {
		for _, a := range b.Actions {
			if a.ReferencesPort() {
				ports = append(ports, a.Port)
			}
		}
	}
	return ports
}

// MeterBand is one rate band of a meter.
type MeterBand struct {
	Type      string `json:"type" yaml:"type" validate:"required,oneof=drop dscp-remark"`
	Rate      uint32 `json:"rate" yaml:"rate" validate:"gt=0"`
	BurstSize uint32 `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
}

// Meter is a rate-limiting construct referenceable by flows.
type Meter struct {
	ID    uint32      `json:"id" yaml:"id" validate:"gt=0"`
	Flags []string    `json:"flags,omitempty" yaml:"flags,omitempty"`
	Bands []MeterBand `json:"bands" yaml:"bands" validate:"min=1,dive"`
}

// Instructions are the instructions attached to a flow.
type Instructions struct {
	GotoTable    *uint8   `json:"goto_table,omitempty" yaml:"goto_table,omitempty"`
	MeterID      uint32   `json:"meter_id,omitempty" yaml:"meter_id,omitempty"`
	ApplyActions []Action `json:"apply_actions,omitempty" yaml:"apply_actions,omitempty" validate:"dive"`
}

// Flow is a match-and-action rule in one table.
type Flow struct {
	ID           string            `json:"id" yaml:"id" validate:"required"`
	TableID      uint8             `json:"table_id" yaml:"table_id"`
	Priority     uint16            `json:"priority" yaml:"priority"`
	Cookie       uint64            `json:"cookie,omitempty" yaml:"cookie,omitempty"`
	Match        map[string]string `json:"match,omitempty" yaml:"match,omitempty"`
	Instructions Instructions      `json:"instructions" yaml:"instructions"`
}

// ReferencedGroups returns the ids of groups the flow's actions forward to.
func (f Flow) ReferencedGroups() []uint32 {
	var ids []uint32
	for _, a := range f.Instructions.ApplyActions {
		if a.ReferencesGroup() {
			ids = append(ids, a.GroupID)
		}
	}
	return ids
}

// TableFeatures describes the capabilities pushed for one table.
type TableFeatures struct {
	TableID    uint8    `json:"table_id" yaml:"table_id"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxEntries uint32   `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	Properties []string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// StaleFlow is a flow kept in configuration only to be removed from the device.
type StaleFlow struct {
	Flow `json:",inline" yaml:",inline"`
}

// StaleGroup is a group kept in configuration only to be removed from the device.
type StaleGroup struct {
	Group `json:",inline" yaml:",inline"`
}

// StaleMeter is a meter kept in configuration only to be removed from the device.
type StaleMeter struct {
	Meter `json:",inline" yaml:",inline"`
}

// Table holds the flows and stale flow markers of one flow table.
type Table struct {
	ID         uint8       `json:"id" yaml:"id" validate:"lte=254"`
	Flows      []Flow      `json:"flows,omitempty" yaml:"flows,omitempty" validate:"dive"`
	StaleFlows []StaleFlow `json:"stale_flows,omitempty" yaml:"stale_flows,omitempty" validate:"dive"`
}

// DeviceConfigSnapshot is the desired forwarding state of one device.
// Reconcilers borrow it read-only for the duration of one pass.
type DeviceConfigSnapshot struct {
	Device        DeviceID        `json:"device" yaml:"device" validate:"required"`
	TableFeatures []TableFeatures `json:"table_features,omitempty" yaml:"table_features,omitempty"`
	Tables        []Table         `json:"tables,omitempty" yaml:"tables,omitempty" validate:"dive"`
	Groups        []Group         `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive"`
	StaleGroups   []StaleGroup    `json:"stale_groups,omitempty" yaml:"stale_groups,omitempty" validate:"dive"`
	Meters        []Meter         `json:"meters,omitempty" yaml:"meters,omitempty" validate:"dive"`
	StaleMeters   []StaleMeter    `json:"stale_meters,omitempty" yaml:"stale_meters,omitempty" validate:"dive"`
}

// FlowCount returns the number of desired flows across all tables.
func (s *DeviceConfigSnapshot) FlowCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Flows)
	}
	return n
}

// StaleCount returns the number of stale markers of every kind.
func (s *DeviceConfigSnapshot) StaleCount() int {
	n := len(s.StaleGroups) + len(s.StaleMeters)
	for _, t := range s.Tables {
		n += len(t.StaleFlows)
	}
	return n
}

// GroupsByID indexes the snapshot's groups by id.
func (s *DeviceConfigSnapshot) GroupsByID() map[uint32]Group {
	out := make(map[uint32]Group, len(s.Groups))
	for _, g := range s.Groups {
		out[g.ID] = g
	}
	return out
}
