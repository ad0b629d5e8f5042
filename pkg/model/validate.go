package model

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func snapshotValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and duplicate identities in the snapshot.
func (s *DeviceConfigSnapshot) Validate() error {
	if err := snapshotValidator().Struct(s); err != nil {
		return fmt.Errorf("snapshot for device %s is invalid: %w", s.Device, err)
	}

	groups := make(map[uint32]bool, len(s.Groups))
	for _, g := range s.Groups {
		if groups[g.ID] {
			return fmt.Errorf("snapshot for device %s has duplicate group %d", s.Device, g.ID)
		}
		groups[g.ID] = true
	}

	meters := make(map[uint32]bool, len(s.Meters))
	for _, m := range s.Meters {
		if meters[m.ID] {
			return fmt.Errorf("snapshot for device %s has duplicate meter %d", s.Device, m.ID)
		}
		meters[m.ID] = true
	}

	tables := make(map[uint8]bool, len(s.Tables))
	for _, t := range s.Tables {
		if tables[t.ID] {
			return fmt.Errorf("snapshot for device %s has duplicate table %d", s.Device, t.ID)
		}
		tables[t.ID] = true

		flows := make(map[string]bool, len(t.Flows))
		for _, f := range t.Flows {
			if flows[f.ID] {
				return fmt.Errorf("snapshot for device %s has duplicate flow %s in table %d", s.Device, f.ID, t.ID)
			}
			if f.TableID != t.ID {
				return fmt.Errorf("flow %s declares table %d but is listed under table %d", f.ID, f.TableID, t.ID)
			}
			flows[f.ID] = true
		}
	}

	return nil
}

// Normalize fills the table id of flows listed under a table when it was left out.
func (s *DeviceConfigSnapshot) Normalize() {
	for i := range s.Tables {
		t := &s.Tables[i]
		for j := range t.Flows {
			if t.Flows[j].TableID == 0 {
				t.Flows[j].TableID = t.ID
			}
		}
		for j := range t.StaleFlows {
			if t.StaleFlows[j].TableID == 0 {
				t.StaleFlows[j].TableID = t.ID
			}
		}
	}
}
