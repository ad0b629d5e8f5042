package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "snapshot", err: NewSnapshotUnavailableError("openflow:1", nil), transient: true},
		{name: "timeout", err: NewTimeoutError("await", 2), transient: true},
		{name: "async", err: NewAsyncFailedError("group add", errors.New("x")), transient: true},
		{name: "cycle", err: NewDependencyCycleError([]uint32{1}), permanent: true},
		{name: "wrapped", err: fmt.Errorf("pass: %w", NewTimeoutError("wait", 1)), transient: true},
		{name: "plain", err: errors.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsTransient(tt.err) != tt.transient {
				t.Fatalf("Expected transient=%v for %v", tt.transient, tt.err)
			}
			if IsPermanent(tt.err) != tt.permanent {
				t.Fatalf("Expected permanent=%v for %v", tt.permanent, tt.err)
			}
			if IsRetryable(tt.err) != tt.transient {
				t.Fatalf("Expected retryable=%v for %v", tt.transient, tt.err)
			}
		})
	}
}

func TestDependencyCycleError(t *testing.T) {
	err := fmt.Errorf("resolve: %w", NewDependencyCycleError([]uint32{7, 3, 5}))

	if !IsDependencyCycle(err) {
		t.Fatal("Expected a dependency cycle error")
	}
	if diff := cmp.Diff([]uint32{3, 5, 7}, StuckGroups(err)); diff != "" {
		t.Fatalf("Unexpected stuck groups (-want +got):\n%s", diff)
	}
	if StuckGroups(errors.New("other")) != nil {
		t.Fatal("Expected no stuck groups for unrelated errors")
	}
}

func TestEngineError_Message(t *testing.T) {
	err := NewAsyncFailedError("flow add", errors.New("nack")).WithDevice("openflow:1")
	want := "[transient] remote operation failed (device=openflow:1, operation=flow add): nack"
	if err.Error() != want {
		t.Fatalf("Expected %q, got: %q", want, err.Error())
	}
}

func TestSyncCounters(t *testing.T) {
	var nilCounters *SyncCounters
	nilCounters.Flows().IncAdded()
	nilCounters.IncForcedGroups()
	if nilCounters.ForcedGroups() != 0 {
		t.Fatal("Expected nil counters to read zero")
	}

	c := NewSyncCounters()
	c.Groups().IncAdded()
	c.Groups().AddAdded(3)
	c.Groups().IncUpdated()
	c.Groups().IncRemoved()
	c.IncForcedGroups()
	c.IncDependencyCycles()

	if c.Groups().Added() != 4 || c.Groups().Total() != 6 {
		t.Fatalf("Unexpected group counts: %s", c)
	}

	s := SummaryOf(c)
	if s.GroupsAdded != 4 || s.ForcedGroups != 1 || s.CyclesDetected != 1 {
		t.Fatalf("Unexpected summary: %+v", s)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultReconcilerConfig().Validate(); err != nil {
		t.Fatalf("Expected default reconciler config to be valid, got: %v", err)
	}
	if err := DefaultDispatcherConfig().Validate(); err != nil {
		t.Fatalf("Expected default dispatcher config to be valid, got: %v", err)
	}

	cfg := DefaultReconcilerConfig()
	cfg.CyclePolicy = "ignore"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected unknown cycle policy to be rejected")
	}

	cfg = DefaultReconcilerConfig()
	cfg.BundleStepTimeout = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bundle step timeout") {
		t.Fatalf("Expected a zero bundle step timeout to be rejected, got: %v", err)
	}

	dcfg := DefaultDispatcherConfig()
	dcfg.Strategy = "eventual"
	if err := dcfg.Validate(); err == nil {
		t.Fatal("Expected unknown strategy to be rejected")
	}
}
