package mqtt

import (
	"fmt"
	"strings"

	"github.com/openfroyo/flowsync/pkg/model"
)

// DefaultTopicPrefix is the root of every flowsync topic.
const DefaultTopicPrefix = "flowsync"

// Topics builds the topics exchanged with device agents. Devices are addressed
// by their device id, e.g. "flowsync/openflow:1/command".
//
//	topics := mqtt.Topics{Prefix: "flowsync"}
//	topics.Command("openflow:1") // "flowsync/openflow:1/command"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Command returns the topic commands for device are published on.
func (t Topics) Command(device model.DeviceID) string {
	return fmt.Sprintf("%s/%s/command", t.prefix(), device)
}

// Ack returns the topic device acknowledges its commands on.
func (t Topics) Ack(device model.DeviceID) string {
	return fmt.Sprintf("%s/%s/ack", t.prefix(), device)
}

// AckAll matches the acknowledgements of every device.
func (t Topics) AckAll() string {
	return t.prefix() + "/+/ack"
}

// DeviceStatus returns the topic device reports its connection status on.
func (t Topics) DeviceStatus(device model.DeviceID) string {
	return fmt.Sprintf("%s/%s/status", t.prefix(), device)
}

// DeviceStatusAll matches the status of every device.
func (t Topics) DeviceStatusAll() string {
	return t.prefix() + "/+/status"
}

// PortStatus returns the topic device reports port changes on.
func (t Topics) PortStatus(device model.DeviceID) string {
	return fmt.Sprintf("%s/%s/port", t.prefix(), device)
}

// PortStatusAll matches the port changes of every device.
func (t Topics) PortStatusAll() string {
	return t.prefix() + "/+/port"
}

// Statistics returns the topic device reports finished statistics gathering on.
func (t Topics) Statistics(device model.DeviceID) string {
	return fmt.Sprintf("%s/%s/statistics", t.prefix(), device)
}

// StatisticsAll matches the statistics reports of every device.
func (t Topics) StatisticsAll() string {
	return t.prefix() + "/+/statistics"
}

// DeviceOf extracts the device id from a topic built by Topics.
func (t Topics) DeviceOf(topic string) (model.DeviceID, error) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", fmt.Errorf("%w: %q is outside prefix %q", ErrInvalidTopic, topic, t.prefix())
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", fmt.Errorf("%w: %q has no device segment", ErrInvalidTopic, topic)
	}
	return model.DeviceID(rest[:i]), nil
}
