package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ErrInfluxDisabled is returned by NewInfluxSink when the sink is switched off.
var ErrInfluxDisabled = errors.New("influxdb sink disabled")

const (
	defaultInfluxConnectTimeout = 10 * time.Second
	millisecondsPerSecond       = 1000
)

// pointWriter is the part of the non-blocking InfluxDB write API the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink records reconciliation history in InfluxDB. It subscribes to the
// event publisher and writes one point per finished task, forced install,
// dependency cycle and device status change.
//
// Writes are non-blocking and batched by the client. Write errors are
// delivered to the logger asynchronously.
type InfluxSink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	logger      *Logger

	mu     sync.RWMutex
	closed bool
}

// NewInfluxSink connects to InfluxDB and verifies the server with a ping.
func NewInfluxSink(cfg InfluxConfig, logger *Logger) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, ErrInfluxDisabled
	}
	if logger == nil {
		logger = NewNopLogger()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushSeconds := int(cfg.FlushInterval / time.Second)
	if flushSeconds <= 0 {
		flushSeconds = 10
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushSeconds)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultInfluxConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	sink := newInfluxSink(writeAPI, cfg.Measurement, logger)
	sink.client = client

	go func() {
		for err := range writeAPI.Errors() {
			sink.logger.WithError(err).Warn("InfluxDB write failed")
		}
	}()

	return sink, nil
}

func newInfluxSink(w pointWriter, measurement string, logger *Logger) *InfluxSink {
	if measurement == "" {
		measurement = "reconciliation"
	}
	return &InfluxSink{
		writer:      w,
		measurement: measurement,
		logger:      logger.NewComponentLogger("influxdb"),
	}
}

// Attach subscribes the sink to the events it records.
func (s *InfluxSink) Attach(events *EventPublisher) {
	if events == nil {
		return
	}
	events.Subscribe(s.Record, FilterByType(
		EventTypeTaskCompleted,
		EventTypeTaskFailed,
		EventTypePurgeCompleted,
		EventTypeGroupsForced,
		EventTypeDependencyCycle,
		EventTypeDeviceStatus,
	))
}

// Record writes one event as a point. Events without a device are ignored.
func (s *InfluxSink) Record(event Event) {
	if event.Device == "" {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	s.writer.WritePoint(pointFromEvent(s.measurement, event))
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// pointFromEvent maps an event to a point tagged by device and event type.
// Numeric event data becomes fields; everything else is dropped.
func pointFromEvent(measurement string, event Event) *write.Point {
	tags := map[string]string{
		"device": event.Device,
		"event":  event.Type,
		"level":  event.Level,
	}
	fields := map[string]interface{}{
		"count": 1,
	}

	for k, v := range event.Data {
		switch val := v.(type) {
		case int, int32, int64, uint32, uint64, float64, bool:
			fields[k] = val
		case string:
			if k == "outcome" || k == "kind" || k == "strategy" || k == "state" {
				tags[k] = val
			}
		}
	}

	return write.NewPoint(measurement, tags, fields, event.Timestamp)
}
