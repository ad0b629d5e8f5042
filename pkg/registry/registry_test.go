package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/flowsync/pkg/model"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := New("test")
	dev := model.DeviceID("openflow:1")

	if r.IsRegistered(dev) {
		t.Fatal("Expected empty registry")
	}

	r.RegisterAt(dev, at(10))
	if !r.IsRegistered(dev) {
		t.Fatal("Expected device to be registered")
	}
	ts, ok := r.TimestampOf(dev)
	if !ok || !ts.Equal(at(10)) {
		t.Fatalf("Expected timestamp %v, got: %v (ok=%v)", at(10), ts, ok)
	}

	r.RegisterAt(dev, at(20))
	ts, _ = r.TimestampOf(dev)
	if !ts.Equal(at(20)) {
		t.Fatalf("Expected re-registration to replace timestamp, got: %v", ts)
	}

	if !r.UnregisterIfRegistered(dev) {
		t.Fatal("Expected unregister to report a removal")
	}
	if r.UnregisterIfRegistered(dev) {
		t.Fatal("Expected second unregister to be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("Expected 0 records, got: %d", r.Len())
	}
}

func TestFreshSnapshotRegistry_IsFresh(t *testing.T) {
	f := NewFreshSnapshotRegistry("fresh")
	dev := model.DeviceID("openflow:7")

	f.RegisterAt(dev, at(10))

	if f.IsFresh(dev, true, at(5)) {
		t.Fatal("Expected gathering completed before registration not to be fresh")
	}
	if f.IsFresh(dev, true, at(10)) {
		t.Fatal("Expected gathering completed at registration time not to be fresh")
	}
	if !f.IsFresh(dev, true, at(15)) {
		t.Fatal("Expected gathering completed after registration to be fresh")
	}
	if f.IsFresh(dev, false, at(15)) {
		t.Fatal("Expected failed gathering never to be fresh")
	}
	if !f.IsRegistered(dev) {
		t.Fatal("Expected IsFresh to leave the record in place")
	}
	if f.IsFresh("openflow:8", true, at(15)) {
		t.Fatal("Expected unregistered device never to be fresh")
	}
}

func TestFreshSnapshotRegistry_ConsumeIfFresh(t *testing.T) {
	f := NewFreshSnapshotRegistry("fresh")
	dev := model.DeviceID("openflow:7")
	f.RegisterAt(dev, at(10))

	if f.ConsumeIfFresh(dev, true, at(5)) {
		t.Fatal("Expected stale gathering not to be consumed")
	}
	if !f.IsRegistered(dev) {
		t.Fatal("Expected record to survive a stale read")
	}
	if !f.ConsumeIfFresh(dev, true, at(15)) {
		t.Fatal("Expected fresh gathering to be consumed")
	}
	if f.IsRegistered(dev) {
		t.Fatal("Expected record to be removed after consume")
	}
	if f.ConsumeIfFresh(dev, true, at(20)) {
		t.Fatal("Expected second consume to fail")
	}
}

func TestFreshSnapshotRegistry_ConcurrentConsumeOnce(t *testing.T) {
	f := NewFreshSnapshotRegistry("fresh")
	dev := model.DeviceID("openflow:3")
	f.RegisterAt(dev, at(0))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		consumed int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.ConsumeIfFresh(dev, true, at(1)) {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if consumed != 1 {
		t.Fatalf("Expected exactly one consumer, got: %d", consumed)
	}
}

func TestRegistries_Forget(t *testing.T) {
	regs := NewRegistries()
	dev := model.DeviceID("openflow:9")

	regs.PendingReconciliation.Register(dev)
	regs.PendingRetry.Register(dev)
	regs.PendingFresh.Register(dev)

	regs.Forget(dev)

	if regs.PendingReconciliation.IsRegistered(dev) || regs.PendingRetry.IsRegistered(dev) || regs.PendingFresh.IsRegistered(dev) {
		t.Fatal("Expected device to be removed from every registry")
	}
}

func TestRegistries_Independent(t *testing.T) {
	regs := NewRegistries()
	dev := model.DeviceID("openflow:9")

	regs.PendingRetry.Register(dev)

	if regs.PendingReconciliation.IsRegistered(dev) {
		t.Fatal("Expected registries not to share keys")
	}
}
