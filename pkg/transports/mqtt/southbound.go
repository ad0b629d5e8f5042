package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// Operation names carried in commands.
const (
	OpAdd          = "add"
	OpUpdate       = "update"
	OpRemove       = "remove"
	OpBundleOpen   = "bundle-open"
	OpBundleStage  = "bundle-stage"
	OpBundleCommit = "bundle-commit"
)

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Command is the JSON document published to a device's command topic.
type Command struct {
	ID       string                 `json:"id"`
	Op       string                 `json:"op"`
	Entity   model.EntityKind       `json:"entity,omitempty"`
	Path     model.Path             `json:"path,omitempty"`
	Device   model.DeviceRef        `json:"device"`
	Item     json.RawMessage        `json:"item,omitempty"`
	Original json.RawMessage        `json:"original,omitempty"`
	BundleID engine.BundleID        `json:"bundle_id,omitempty"`
	Flags    *engine.BundleFlags    `json:"flags,omitempty"`
	Messages []engine.BundleMessage `json:"messages,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// Ack is the JSON document a device publishes on its ack topic.
type Ack struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type pendingCommand struct {
	completion *engine.Completion
	timer      *time.Timer
	device     model.DeviceID
	op         string
}

// Southbound sends reconciler operations to device agents over MQTT and
// resolves their completions from the agents' acknowledgements. A command
// that is not acknowledged within AckTimeout resolves with ErrAckTimeout.
type Southbound struct {
	broker     Broker
	topics     Topics
	ackTimeout time.Duration
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool
}

var _ engine.BundleControl = (*Southbound)(nil)

// NewSouthbound creates a southbound over broker. Start must be called
// before commands can be acknowledged.
func NewSouthbound(broker Broker, cfg Config, metrics *telemetry.Metrics, logger *telemetry.Logger) *Southbound {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Southbound{
		broker:     broker,
		topics:     Topics{Prefix: cfg.TopicPrefix},
		ackTimeout: ackTimeout,
		metrics:    metrics,
		logger:     logger.NewComponentLogger("southbound"),
		pending:    make(map[string]*pendingCommand),
	}
}

// Start subscribes to the acknowledgements of every device.
func (s *Southbound) Start() error {
	if err := s.broker.Subscribe(s.topics.AckAll(), s.handleAck); err != nil {
		return fmt.Errorf("failed to subscribe to acks: %w", err)
	}
	return nil
}

// Close resolves every pending command with ErrClosed. Later commands
// resolve with ErrClosed immediately.
func (s *Southbound) Close() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingCommand)
	s.closed = true
	s.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.completion.Resolve(ErrClosed)
	}
	s.metrics.SetPendingAcks(0)
}

// Pending returns the number of commands awaiting acknowledgement.
func (s *Southbound) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Committers returns per-kind committers backed by the southbound.
func (s *Southbound) Committers() engine.Committers {
	return engine.Committers{
		Flows:         &committer[model.Flow]{sb: s, kind: model.KindFlow},
		Groups:        &committer[model.Group]{sb: s, kind: model.KindGroup},
		Meters:        &committer[model.Meter]{sb: s, kind: model.KindMeter},
		TableFeatures: &committer[model.TableFeatures]{sb: s, kind: model.KindTableFeatures},
	}
}

// OpenBundle implements engine.BundleControl.
func (s *Southbound) OpenBundle(ctx context.Context, device model.DeviceRef, id engine.BundleID, flags engine.BundleFlags) *engine.Completion {
	return s.send(ctx, &Command{Op: OpBundleOpen, Device: device, BundleID: id, Flags: &flags})
}

// StageMessages implements engine.BundleControl.
func (s *Southbound) StageMessages(ctx context.Context, device model.DeviceRef, id engine.BundleID, flags engine.BundleFlags,
	messages []engine.BundleMessage) *engine.Completion {
	return s.send(ctx, &Command{Op: OpBundleStage, Device: device, BundleID: id, Flags: &flags, Messages: messages})
}

// CommitBundle implements engine.BundleControl.
func (s *Southbound) CommitBundle(ctx context.Context, device model.DeviceRef, id engine.BundleID, flags engine.BundleFlags) *engine.Completion {
	return s.send(ctx, &Command{Op: OpBundleCommit, Device: device, BundleID: id, Flags: &flags})
}

// send publishes cmd and registers its completion. Publish failures resolve
// the completion at once.
func (s *Southbound) send(ctx context.Context, cmd *Command) *engine.Completion {
	cmd.ID = uuid.New().String()
	cmd.SentAt = time.Now().UTC()
	device := cmd.Device.Device()
	completion := engine.NewCompletion()

	payload, err := json.Marshal(cmd)
	if err != nil {
		completion.Resolve(fmt.Errorf("failed to encode %s command: %w", cmd.Op, err))
		return completion
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		completion.Resolve(ErrClosed)
		return completion
	}
	p := &pendingCommand{completion: completion, device: device, op: cmd.Op}
	p.timer = time.AfterFunc(s.ackTimeout, func() { s.expire(cmd.ID) })
	s.pending[cmd.ID] = p
	s.metrics.SetPendingAcks(float64(len(s.pending)))
	s.mu.Unlock()

	err = telemetry.RecordTransportOperation(ctx, device.String(), cmd.Op, func(context.Context) error {
		return s.broker.Publish(s.topics.Command(device), payload)
	})
	if err != nil {
		s.resolve(cmd.ID, err)
	}

	return completion
}

// expire resolves an unacknowledged command with ErrAckTimeout.
func (s *Southbound) expire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.metrics.RecordAsyncFailure(p.op)
	s.logger.WithDevice(p.device.String()).WithFields(map[string]interface{}{
		"command": id,
		"op":      p.op,
		"timeout": s.ackTimeout.String(),
	}).Warn("Command was not acknowledged")
	s.resolve(id, fmt.Errorf("%w after %s", ErrAckTimeout, s.ackTimeout))
}

// resolve removes the pending command id and resolves it with err. It reports
// whether the command was still pending.
func (s *Southbound) resolve(id string, err error) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		s.metrics.SetPendingAcks(float64(len(s.pending)))
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.completion.Resolve(err)
	return true
}

// handleAck resolves the command an acknowledgement refers to. Acks for
// unknown or expired commands are dropped.
func (s *Southbound) handleAck(topic string, payload []byte) error {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("malformed ack on %s: %w", topic, err)
	}
	if ack.ID == "" {
		return fmt.Errorf("ack on %s has no command id", topic)
	}

	var err error
	if ack.Status != AckOK {
		err = fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	if !s.resolve(ack.ID, err) {
		s.logger.WithField("command", ack.ID).Debug("Dropped ack for unknown command")
	}
	return nil
}

// committer adapts the southbound to engine.Committer for one entity kind.
type committer[T any] struct {
	sb   *Southbound
	kind model.EntityKind
}

func (c *committer[T]) Add(ctx context.Context, path model.Path, item T, device model.DeviceRef) *engine.Completion {
	return c.command(ctx, OpAdd, path, item, nil, device)
}

func (c *committer[T]) Update(ctx context.Context, path model.Path, updated T, original *T, device model.DeviceRef) *engine.Completion {
	return c.command(ctx, OpUpdate, path, updated, original, device)
}

func (c *committer[T]) Remove(ctx context.Context, path model.Path, item T, device model.DeviceRef) *engine.Completion {
	return c.command(ctx, OpRemove, path, item, nil, device)
}

func (c *committer[T]) command(ctx context.Context, op string, path model.Path, item T, original *T, device model.DeviceRef) *engine.Completion {
	doc, err := json.Marshal(item)
	if err != nil {
		return engine.Completed(fmt.Errorf("failed to encode %s: %w", path, err))
	}
	cmd := &Command{Op: op, Entity: c.kind, Path: path, Device: device, Item: doc}
	if original != nil {
		if cmd.Original, err = json.Marshal(original); err != nil {
			return engine.Completed(fmt.Errorf("failed to encode original of %s: %w", path, err))
		}
	}
	return c.sb.send(ctx, cmd)
}
