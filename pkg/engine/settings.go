package engine

import (
	"fmt"
	"time"
)

// Default tuning values.
const (
	DefaultMaxRetries        = 5
	DefaultDependencyWait    = 3 * time.Second
	DefaultGroupWaitUnit     = 3 * time.Second
	DefaultGroupWaitCap      = 20 * time.Second
	DefaultBundleStepTimeout = 30 * time.Second
	DefaultMarkerBatchSize   = 256
	DefaultMaxParallel       = 8
)

// ReconcilerConfig tunes the reconcilers.
type ReconcilerConfig struct {
	// MaxRetries bounds the group retry counter of the full-state groups phase.
	MaxRetries int

	// DependencyWait bounds the wait on a single referenced group's install.
	DependencyWait time.Duration

	// GroupWaitUnit is the per-handle budget of the barrier before meters and flows.
	GroupWaitUnit time.Duration

	// GroupWaitCap caps the barrier budget regardless of the number of handles.
	GroupWaitCap time.Duration

	// BundleStepTimeout bounds each open, stage and commit step.
	BundleStepTimeout time.Duration

	// MarkerBatchSize is the number of stale marker deletes per write transaction.
	MarkerBatchSize int

	// CyclePolicy decides the fate of a pass whose groups cannot be ordered.
	CyclePolicy CyclePolicy

	// ForcedInstallPolicy decides the fate of a pass that force-installed groups.
	ForcedInstallPolicy ForcedInstallPolicy
}

// DefaultReconcilerConfig returns the default tuning.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		MaxRetries:          DefaultMaxRetries,
		DependencyWait:      DefaultDependencyWait,
		GroupWaitUnit:       DefaultGroupWaitUnit,
		GroupWaitCap:        DefaultGroupWaitCap,
		BundleStepTimeout:   DefaultBundleStepTimeout,
		MarkerBatchSize:     DefaultMarkerBatchSize,
		CyclePolicy:         CyclePolicyContinue,
		ForcedInstallPolicy: ForcedInstallProceed,
	}
}

// Validate checks if the configuration is valid.
func (c ReconcilerConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got: %d", c.MaxRetries)
	}
	if c.DependencyWait <= 0 {
		return fmt.Errorf("dependency wait must be positive, got: %s", c.DependencyWait)
	}
	if c.GroupWaitUnit <= 0 || c.GroupWaitCap <= 0 {
		return fmt.Errorf("group wait unit and cap must be positive")
	}
	if c.BundleStepTimeout <= 0 {
		return fmt.Errorf("bundle step timeout must be positive, got: %s", c.BundleStepTimeout)
	}
	if c.MarkerBatchSize <= 0 {
		return fmt.Errorf("marker batch size must be positive, got: %d", c.MarkerBatchSize)
	}
	if err := c.CyclePolicy.Validate(); err != nil {
		return err
	}
	return c.ForcedInstallPolicy.Validate()
}

// DispatcherConfig tunes the per-device task dispatcher.
type DispatcherConfig struct {
	// MaxParallel is the maximum number of devices reconciled at once.
	MaxParallel int

	// Strategy selects the reconciler.
	Strategy Strategy

	// StaleMarkingEnabled runs the stale purge before every reconciliation.
	StaleMarkingEnabled bool

	// RetryOnFailure registers failed devices for a retry once a fresh
	// operational snapshot has been gathered.
	RetryOnFailure bool
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxParallel:         DefaultMaxParallel,
		Strategy:            StrategyFullState,
		StaleMarkingEnabled: true,
		RetryOnFailure:      true,
	}
}

// Validate checks if the configuration is valid.
func (c DispatcherConfig) Validate() error {
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive, got: %d", c.MaxParallel)
	}
	return c.Strategy.Validate()
}
