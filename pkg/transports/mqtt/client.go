package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// MessageHandler is the callback signature for received messages. Handlers
// run on paho's goroutines and should not block.
type MessageHandler func(topic string, payload []byte) error

// Broker is the part of a client the southbound and the notification
// handlers need.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

// Client wraps paho.mqtt.golang with connection tracking, panic-safe handlers
// and re-subscription on reconnect. It is safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	logger *telemetry.Logger

	metrics *telemetry.Metrics

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]MessageHandler
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex
}

var _ Broker = (*Client)(nil)

// Connect establishes a connection to the broker. Auto-reconnect keeps the
// connection alive afterwards.
func Connect(cfg Config, metrics *telemetry.Metrics, logger *telemetry.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	c := &Client{
		cfg:           cfg,
		logger:        logger.NewComponentLogger("mqtt"),
		metrics:       metrics,
		subscriptions: make(map[string]MessageHandler),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logger.Info("Reconnecting to broker")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously and may not have executed yet.
	c.setConnected(true)
	c.logger.WithField("broker", cfg.Broker).Info("Connected to broker")

	return c, nil
}

func (c *Client) setConnected(up bool) {
	c.connMu.Lock()
	c.connected = up
	c.connMu.Unlock()
	c.metrics.SetConnected(up)
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.logger.WithError(err).Warn("Lost broker connection")
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, handler := range c.subscriptions {
		c.client.Subscribe(topic, c.cfg.QoS, c.wrapHandler(handler))
	}
}

// Publish sends payload to topic with the configured QoS.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic, which may contain wildcards. The
// subscription is restored after every reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.subMu.Lock()
	c.subscriptions[topic] = handler
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, c.cfg.QoS, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// wrapHandler adds panic recovery and error logging to a MessageHandler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(map[string]interface{}{
					"topic": msg.Topic(),
					"panic": r,
				}).Error("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.WithField("topic", msg.Topic()).WithError(err).Warn("MQTT handler returned error")
		}
	}
}
