package registry

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/flowsync/pkg/model"
)

// PortTable tracks the ports each device has reported up. It implements the
// engine's port readiness oracle.
type PortTable struct {
	mu    sync.RWMutex
	ready map[model.DeviceID]mapset.Set[string]
}

// NewPortTable creates an empty port table.
func NewPortTable() *PortTable {
	return &PortTable{ready: make(map[model.DeviceID]mapset.Set[string])}
}

// SetPortReady records the state of one port.
func (p *PortTable) SetPortReady(device model.DeviceID, port string, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports, ok := p.ready[device]
	if !ok {
		if !up {
			return
		}
		ports = mapset.NewSet[string]()
		p.ready[device] = ports
	}

	if up {
		ports.Add(port)
	} else {
		ports.Remove(port)
	}
}

// IsPortReady reports whether port has been reported up. Reserved ports are
// always ready.
func (p *PortTable) IsPortReady(device model.DeviceID, port string) bool {
	if model.IsReservedPort(port) {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ports, ok := p.ready[device]
	return ok && ports.Contains(port)
}

// ReadyPorts returns the ready ports of device, sorted.
func (p *PortTable) ReadyPorts(device model.DeviceID) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ports, ok := p.ready[device]
	if !ok {
		return nil
	}
	return mapset.Sorted(ports)
}

// ForgetDevice drops every port of device.
func (p *PortTable) ForgetDevice(device model.DeviceID) {
	p.mu.Lock()
	delete(p.ready, device)
	p.mu.Unlock()
}
