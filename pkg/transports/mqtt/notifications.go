package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/registry"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// DeviceStatus is published by an agent when its device connects or
// disconnects.
type DeviceStatus struct {
	Up bool `json:"up"`
}

// PortStatus is published by an agent when a port changes state.
type PortStatus struct {
	Port string `json:"port"`
	Up   bool   `json:"up"`
}

// StatisticsReport is published by an agent when statistics gathering for
// its device finished. Snapshot, when present, is the operational state it
// read.
type StatisticsReport struct {
	Succeeded   bool                        `json:"succeeded"`
	CompletedAt time.Time                   `json:"completed_at"`
	Snapshot    *model.DeviceConfigSnapshot `json:"snapshot,omitempty"`
}

// Reconciler is what the notification handlers trigger.
type Reconciler interface {
	Reconcile(ctx context.Context, device model.DeviceID) (*engine.Run, error)
	RetryIfFresh(ctx context.Context, device model.DeviceID, gatheringSucceeded bool, completedAt time.Time) bool
	Registries() *registry.Registries
}

// OperationalSink stores operational snapshots carried by statistics reports.
type OperationalSink func(ctx context.Context, snap *model.DeviceConfigSnapshot) error

// Notifications turns device, port and statistics notifications into
// dispatcher work and port table updates.
type Notifications struct {
	broker     Broker
	topics     Topics
	reconciler Reconciler
	ports      *registry.PortTable
	sink       OperationalSink
	events     *telemetry.EventPublisher
	logger     *telemetry.Logger

	// ctx bounds the reconciliations started by handlers.
	ctx context.Context
}

// NotificationsOption configures Notifications.
type NotificationsOption func(*Notifications)

// WithOperationalSink stores the operational snapshots of statistics reports.
func WithOperationalSink(sink OperationalSink) NotificationsOption {
	return func(n *Notifications) { n.sink = sink }
}

// WithEventPublisher publishes device status events.
func WithEventPublisher(events *telemetry.EventPublisher) NotificationsOption {
	return func(n *Notifications) { n.events = events }
}

// WithNotificationsLogger sets the logger.
func WithNotificationsLogger(logger *telemetry.Logger) NotificationsOption {
	return func(n *Notifications) { n.logger = logger.NewComponentLogger("notifications") }
}

// NewNotifications creates the notification handlers. Reconciliations they
// start run under ctx.
func NewNotifications(ctx context.Context, broker Broker, topicPrefix string, reconciler Reconciler,
	ports *registry.PortTable, opts ...NotificationsOption) *Notifications {
	n := &Notifications{
		broker:     broker,
		topics:     Topics{Prefix: topicPrefix},
		reconciler: reconciler,
		ports:      ports,
		logger:     telemetry.NewNopLogger(),
		ctx:        ctx,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start subscribes to the device, port and statistics topics of every device.
func (n *Notifications) Start() error {
	subs := []struct {
		topic   string
		handler MessageHandler
	}{
		{n.topics.DeviceStatusAll(), n.HandleDeviceStatus},
		{n.topics.PortStatusAll(), n.HandlePortStatus},
		{n.topics.StatisticsAll(), n.HandleStatistics},
	}
	for _, sub := range subs {
		if err := n.broker.Subscribe(sub.topic, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.topic, err)
		}
	}
	return nil
}

// HandleDeviceStatus reconciles a device that came up and forgets one that
// went down.
func (n *Notifications) HandleDeviceStatus(topic string, payload []byte) error {
	device, err := n.topics.DeviceOf(topic)
	if err != nil {
		return err
	}
	var status DeviceStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("malformed device status for %s: %w", device, err)
	}

	logger := n.logger.WithDevice(device.String())
	if n.events != nil {
		_ = n.events.PublishDeviceStatus(device.String(), status.Up)
	}

	if !status.Up {
		n.reconciler.Registries().Forget(device)
		n.ports.ForgetDevice(device)
		logger.Info("Device disconnected")
		return nil
	}

	logger.Info("Device connected, reconciling")
	go func() {
		if _, err := n.reconciler.Reconcile(n.ctx, device); err != nil {
			logger.WithError(err).Warn("Reconciliation could not be dispatched")
		}
	}()
	return nil
}

// HandlePortStatus records a port's readiness.
func (n *Notifications) HandlePortStatus(topic string, payload []byte) error {
	device, err := n.topics.DeviceOf(topic)
	if err != nil {
		return err
	}
	var status PortStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("malformed port status for %s: %w", device, err)
	}
	if status.Port == "" {
		return fmt.Errorf("port status for %s has no port", device)
	}

	n.ports.SetPortReady(device, status.Port, status.Up)
	n.logger.WithDevice(device.String()).WithFields(map[string]interface{}{
		"port": status.Port,
		"up":   status.Up,
	}).Debug("Port status changed")
	return nil
}

// HandleStatistics stores the reported operational snapshot and retries a
// failed reconciliation once the report is fresh enough.
func (n *Notifications) HandleStatistics(topic string, payload []byte) error {
	device, err := n.topics.DeviceOf(topic)
	if err != nil {
		return err
	}
	var report StatisticsReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("malformed statistics report for %s: %w", device, err)
	}
	if report.CompletedAt.IsZero() {
		report.CompletedAt = time.Now()
	}

	if report.Snapshot != nil && n.sink != nil && report.Succeeded {
		report.Snapshot.Device = device
		if err := n.sink(n.ctx, report.Snapshot); err != nil {
			n.logger.WithDevice(device.String()).WithError(err).Warn("Cannot store operational snapshot")
		}
	}

	n.reconciler.RetryIfFresh(n.ctx, device, report.Succeeded, report.CompletedAt)
	return nil
}
