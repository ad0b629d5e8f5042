package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultAckTimeout bounds the wait for a device acknowledgement.
	defaultAckTimeout = 10 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Config holds the broker connection and southbound settings.
type Config struct {
	// Broker is the broker address, e.g. "tcp://localhost:1883".
	Broker string `yaml:"broker" validate:"required"`

	// ClientID identifies this instance to the broker.
	ClientID string `yaml:"client_id" validate:"required"`

	// Username and Password authenticate against the broker when set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS enables TLS 1.2+ for the broker connection.
	TLS bool `yaml:"tls"`

	// TopicPrefix is the root of every topic (default: flowsync).
	TopicPrefix string `yaml:"topic_prefix"`

	// QoS is used for commands and subscriptions.
	QoS byte `yaml:"qos" validate:"lte=2"`

	// AckTimeout bounds the wait for each command acknowledgement.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:           "tcp://localhost:1883",
		ClientID:         "flowsync",
		TopicPrefix:      DefaultTopicPrefix,
		QoS:              1,
		AckTimeout:       defaultAckTimeout,
		ReconnectInitial: time.Second,
		ReconnectMax:     time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("mqtt client id is required")
	}
	if c.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("ack timeout must not be negative, got: %s", c.AckTimeout)
	}
	return nil
}

// buildClientOptions creates paho MQTT options from the configuration.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Pending acks do not survive a restart, so neither does the session.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if cfg.ReconnectInitial > 0 {
		opts.SetConnectRetryInterval(cfg.ReconnectInitial)
	}
	if cfg.ReconnectMax > 0 {
		opts.SetMaxReconnectInterval(cfg.ReconnectMax)
	}

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}
