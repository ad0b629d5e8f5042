package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
)

type published struct {
	topic   string
	payload []byte
}

// fakeBroker records publishes and delivers messages to matching handlers.
// With autoAck set, every command is acknowledged with that status.
type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]MessageHandler
	publishErr error
	autoAck    string
	topics     Topics
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, published{topic: topic, payload: payload})
	autoAck := b.autoAck
	b.mu.Unlock()

	if autoAck != "" && strings.HasSuffix(topic, "/command") {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return err
		}
		ack, _ := json.Marshal(Ack{ID: cmd.ID, Status: autoAck, Error: "refused"})
		go b.deliver(b.topics.Ack(cmd.Device.Device()), ack)
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

// deliver hands payload to the handler whose filter matches topic.
func (b *fakeBroker) deliver(topic string, payload []byte) error {
	b.mu.Lock()
	var handler MessageHandler
	for filter, h := range b.handlers {
		if topicMatches(filter, topic) {
			handler = h
		}
	}
	b.mu.Unlock()

	if handler == nil {
		return errors.New("no subscriber for " + topic)
	}
	return handler(topic, payload)
}

func (b *fakeBroker) commands(t *testing.T) []Command {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var cmds []Command
	for _, p := range b.published {
		var cmd Command
		if err := json.Unmarshal(p.payload, &cmd); err != nil {
			t.Fatalf("failed to decode command: %v", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	p := strings.Split(topic, "/")
	if len(f) != len(p) {
		return false
	}
	for i := range f {
		if f[i] != "+" && f[i] != p[i] {
			return false
		}
	}
	return true
}

const device = model.DeviceID("openflow:1")

func newTestSouthbound(t *testing.T, broker *fakeBroker, ackTimeout time.Duration) *Southbound {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AckTimeout = ackTimeout
	sb := NewSouthbound(broker, cfg, nil, nil)
	if err := sb.Start(); err != nil {
		t.Fatalf("failed to start southbound: %v", err)
	}
	t.Cleanup(sb.Close)
	return sb
}

func ack(t *testing.T, broker *fakeBroker, id, status string) {
	t.Helper()
	payload, _ := json.Marshal(Ack{ID: id, Status: status, Error: "table full"})
	if err := broker.deliver(Topics{}.Ack(device), payload); err != nil {
		t.Fatalf("failed to deliver ack: %v", err)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "lab"}

	if got := topics.Command(device); got != "lab/openflow:1/command" {
		t.Fatalf("Expected lab/openflow:1/command, got: %s", got)
	}
	if got := (Topics{}).AckAll(); got != "flowsync/+/ack" {
		t.Fatalf("Expected flowsync/+/ack, got: %s", got)
	}

	got, err := topics.DeviceOf("lab/openflow:1/port")
	if err != nil || got != device {
		t.Fatalf("Expected %s, got: %s (%v)", device, got, err)
	}
	for _, bad := range []string{"other/openflow:1/port", "lab/port"} {
		if _, err := topics.DeviceOf(bad); !errors.Is(err, ErrInvalidTopic) {
			t.Fatalf("Expected ErrInvalidTopic for %q, got: %v", bad, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	cfg := DefaultConfig()
	cfg.QoS = 3
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidQoS) {
		t.Fatalf("Expected ErrInvalidQoS, got: %v", err)
	}

	cfg = DefaultConfig()
	cfg.Broker = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected an error for a missing broker")
	}
}

func TestSouthbound_AckResolves(t *testing.T) {
	broker := newFakeBroker()
	sb := newTestSouthbound(t, broker, time.Minute)
	ctx := context.Background()

	flow := model.Flow{ID: "f1", TableID: 2, Priority: 7}
	path := model.FlowPath(device, 2, "f1")
	h := sb.Committers().Flows.Add(ctx, path, flow, device.Ref())

	cmds := broker.commands(t)
	if len(cmds) != 1 {
		t.Fatalf("Expected 1 command, got: %d", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Op != OpAdd || cmd.Entity != model.KindFlow || cmd.Path != path || cmd.Device != device.Ref() {
		t.Fatalf("Unexpected command: %+v", cmd)
	}
	var sent model.Flow
	if err := json.Unmarshal(cmd.Item, &sent); err != nil {
		t.Fatalf("failed to decode item: %v", err)
	}
	if diff := cmp.Diff(flow, sent); diff != "" {
		t.Fatalf("item mismatch (-want +got):\n%s", diff)
	}
	if sb.Pending() != 1 {
		t.Fatalf("Expected 1 pending command, got: %d", sb.Pending())
	}

	ack(t, broker, cmd.ID, AckOK)

	if err := h.Wait(ctx, time.Second); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if sb.Pending() != 0 {
		t.Fatalf("Expected no pending commands, got: %d", sb.Pending())
	}

	// A duplicate ack is dropped.
	ack(t, broker, cmd.ID, AckError)
	if err := h.Err(); err != nil {
		t.Fatalf("Expected the first ack to stick, got: %v", err)
	}
}

func TestSouthbound_Rejected(t *testing.T) {
	broker := newFakeBroker()
	sb := newTestSouthbound(t, broker, time.Minute)
	ctx := context.Background()

	h := sb.Committers().Groups.Remove(ctx, model.GroupPath(device, 4), model.Group{ID: 4}, device.Ref())
	ack(t, broker, broker.commands(t)[0].ID, AckError)

	err := h.Wait(ctx, time.Second)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got: %v", err)
	}
	if !strings.Contains(err.Error(), "table full") {
		t.Fatalf("Expected the device reason in the error, got: %v", err)
	}
}

func TestSouthbound_AckTimeout(t *testing.T) {
	broker := newFakeBroker()
	sb := newTestSouthbound(t, broker, 20*time.Millisecond)
	ctx := context.Background()

	h := sb.Committers().Meters.Add(ctx, model.MeterPath(device, 1), model.Meter{ID: 1}, device.Ref())

	err := h.Wait(ctx, time.Second)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Expected ErrAckTimeout, got: %v", err)
	}
	if sb.Pending() != 0 {
		t.Fatalf("Expected the expired command to be dropped, got: %d pending", sb.Pending())
	}
}

func TestSouthbound_PublishFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.publishErr = ErrNotConnected
	sb := newTestSouthbound(t, broker, time.Minute)

	h := sb.Committers().Flows.Remove(context.Background(), model.FlowPath(device, 0, "f"), model.Flow{ID: "f"}, device.Ref())

	select {
	case <-h.Done():
	default:
		t.Fatal("Expected a failed publish to resolve at once")
	}
	if !errors.Is(h.Err(), ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got: %v", h.Err())
	}
	if sb.Pending() != 0 {
		t.Fatalf("Expected no pending commands, got: %d", sb.Pending())
	}
}

func TestSouthbound_UpdateCarriesOriginal(t *testing.T) {
	broker := newFakeBroker()
	sb := newTestSouthbound(t, broker, time.Minute)

	original := model.Meter{ID: 1, Bands: []model.MeterBand{{Type: "drop", Rate: 10}}}
	updated := model.Meter{ID: 1, Bands: []model.MeterBand{{Type: "drop", Rate: 20}}}
	sb.Committers().Meters.Update(context.Background(), model.MeterPath(device, 1), updated, &original, device.Ref())
	sb.Committers().TableFeatures.Update(context.Background(), model.TableFeaturesPath(device, 0),
		model.TableFeatures{TableID: 0}, nil, device.Ref())

	cmds := broker.commands(t)
	var got model.Meter
	if err := json.Unmarshal(cmds[0].Original, &got); err != nil {
		t.Fatalf("failed to decode original: %v", err)
	}
	if diff := cmp.Diff(original, got); diff != "" {
		t.Fatalf("original mismatch (-want +got):\n%s", diff)
	}
	if cmds[1].Original != nil {
		t.Fatalf("Expected no original for table features, got: %s", cmds[1].Original)
	}
}

func TestSouthbound_BundleCommands(t *testing.T) {
	broker := newFakeBroker()
	sb := newTestSouthbound(t, broker, time.Minute)
	ctx := context.Background()
	flags := engine.BundleFlags{Atomic: true, Ordered: true}

	sb.OpenBundle(ctx, device.Ref(), 7, flags)
	sb.StageMessages(ctx, device.Ref(), 7, flags, []engine.BundleMessage{{Kind: engine.BundleRemoveAllFlows, TableID: model.TableAll}})
	sb.CommitBundle(ctx, device.Ref(), 7, flags)

	cmds := broker.commands(t)
	ops := make([]string, 0, len(cmds))
	for _, c := range cmds {
		ops = append(ops, c.Op)
		if c.BundleID != 7 || c.Flags == nil || *c.Flags != flags {
			t.Fatalf("Expected bundle 7 with flags, got: %+v", c)
		}
	}
	if diff := cmp.Diff([]string{OpBundleOpen, OpBundleStage, OpBundleCommit}, ops); diff != "" {
		t.Fatalf("op mismatch (-want +got):\n%s", diff)
	}
	if len(cmds[1].Messages) != 1 || cmds[1].Messages[0].Kind != engine.BundleRemoveAllFlows {
		t.Fatalf("Expected the staged message, got: %+v", cmds[1].Messages)
	}
}

func TestSouthbound_CloseResolvesPending(t *testing.T) {
	broker := newFakeBroker()
	cfg := DefaultConfig()
	sb := NewSouthbound(broker, cfg, nil, nil)
	if err := sb.Start(); err != nil {
		t.Fatalf("failed to start southbound: %v", err)
	}

	h := sb.Committers().Groups.Add(context.Background(), model.GroupPath(device, 1), model.Group{ID: 1}, device.Ref())
	sb.Close()

	if !errors.Is(h.Err(), ErrClosed) {
		t.Fatalf("Expected ErrClosed, got: %v", h.Err())
	}

	late := sb.Committers().Groups.Add(context.Background(), model.GroupPath(device, 2), model.Group{ID: 2}, device.Ref())
	if !errors.Is(late.Err(), ErrClosed) {
		t.Fatalf("Expected ErrClosed after close, got: %v", late.Err())
	}
}

func TestSouthbound_MalformedAck(t *testing.T) {
	broker := newFakeBroker()
	newTestSouthbound(t, broker, time.Minute)

	if err := broker.deliver(Topics{}.Ack(device), []byte("{")); err == nil {
		t.Fatal("Expected an error for a malformed ack")
	}
	if err := broker.deliver(Topics{}.Ack(device), []byte(`{"status":"ok"}`)); err == nil {
		t.Fatal("Expected an error for an ack without id")
	}
}

// TestSouthbound_DrivesFullStateReconciler runs a full-state pass against an
// agent that acknowledges every command.
func TestSouthbound_DrivesFullStateReconciler(t *testing.T) {
	broker := newFakeBroker()
	broker.autoAck = AckOK
	sb := newTestSouthbound(t, broker, time.Second)

	snap := &model.DeviceConfigSnapshot{
		Device: device,
		Tables: []model.Table{{ID: 0, Flows: []model.Flow{{ID: "f1"}}}},
		Groups: []model.Group{
			{ID: 1, Type: model.GroupTypeAll, Buckets: []model.Bucket{{Actions: []model.Action{{Type: model.ActionGroup, GroupID: 2}}}}},
			{ID: 2, Type: model.GroupTypeAll, Buckets: []model.Bucket{{Actions: []model.Action{{Type: model.ActionOutput, Port: "CONTROLLER"}}}}},
		},
	}
	reader := engine.SnapshotReaderFunc(func(context.Context, model.DeviceID) (*model.DeviceConfigSnapshot, error) {
		return snap, nil
	})

	r := engine.NewFullStateReconciler(reader, sb.Committers(), nil, engine.DefaultReconcilerConfig(), nil)
	counters := engine.NewSyncCounters()
	if !r.Reconcile(context.Background(), device, counters) {
		t.Fatal("Expected the pass to complete")
	}

	var paths []model.Path
	for _, c := range broker.commands(t) {
		paths = append(paths, c.Path)
	}
	want := []model.Path{model.GroupPath(device, 2), model.GroupPath(device, 1), model.FlowPath(device, 0, "f1")}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("command order mismatch (-want +got):\n%s", diff)
	}
	if counters.Groups().Added() != 2 || counters.ForcedGroups() != 0 {
		t.Fatalf("Expected 2 ordered group adds, got: %s", counters.String())
	}
}
