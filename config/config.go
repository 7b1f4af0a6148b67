// Package config loads broker, publisher, consumer, retry and topology
// settings from a YAML file and the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete configuration surface of a relay client
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Retry      RetryConfig      `yaml:"retry"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Topology   TopologyConfig   `yaml:"topology"`
	Log        LogConfig        `yaml:"log"`
}

type BrokerConfig struct {
	Host                 string        `yaml:"host" validate:"required"`
	Port                 int           `yaml:"port" validate:"min=1,max=65535"`
	VHost                string        `yaml:"vhost" validate:"required"`
	User                 string        `yaml:"user"`
	Password             string        `yaml:"password"`
	ConnectionTimeout    time.Duration `yaml:"connectionTimeout" validate:"gt=0"`
	Heartbeat            time.Duration `yaml:"heartbeat" validate:"gte=0"`
	RequestTimeout       time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" validate:"gte=-1"`
	ChannelPoolSize      int           `yaml:"channelPoolSize" validate:"min=1"`
}

type PublisherConfig struct {
	ConfirmEnabled bool          `yaml:"confirmEnabled"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout" validate:"gt=0"`
	Persistent     bool          `yaml:"persistent"`
	Mandatory      bool          `yaml:"mandatory"`
}

type ConsumerConfig struct {
	Prefetch        int           `yaml:"prefetch" validate:"min=1"`
	Instances       int           `yaml:"instances" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	HandlerTimeout  time.Duration `yaml:"handlerTimeout" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts" validate:"min=1"`
	BaseDelay   time.Duration `yaml:"baseDelay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
}

type DeadLetterConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Exchange   string        `yaml:"exchange" validate:"required_if=Enabled true"`
	Queue      string        `yaml:"queue" validate:"required_if=Enabled true"`
	RoutingKey string        `yaml:"routingKey" validate:"required_if=Enabled true"`
	MessageTTL time.Duration `yaml:"messageTTL" validate:"gte=0"`
}

type TopologyConfig struct {
	DefaultExchange string                    `yaml:"defaultExchange"`
	Exchanges       map[string]ExchangeConfig `yaml:"exchanges" validate:"dive"`
	Queues          map[string]QueueConfig    `yaml:"queues" validate:"dive"`
	Routes          map[string]RouteConfig    `yaml:"routes" validate:"dive"`
}

// ExchangeConfig is keyed by logical name; Name defaults to that key
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind" validate:"omitempty,oneof=topic direct fanout headers"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"autoDelete"`
	Delayed    bool   `yaml:"delayed"`
}

// QueueConfig is keyed by logical name; Name defaults to that key
type QueueConfig struct {
	Name       string        `yaml:"name"`
	Durable    bool          `yaml:"durable"`
	Exclusive  bool          `yaml:"exclusive"`
	AutoDelete bool          `yaml:"autoDelete"`
	Exchange   string        `yaml:"exchange" validate:"required"`
	RoutingKey string        `yaml:"routingKey"`
	DeadLetter bool          `yaml:"deadLetter"`
	MessageTTL time.Duration `yaml:"messageTTL" validate:"gte=0"`
}

// RouteConfig sets where a message type is published by default
type RouteConfig struct {
	Exchange   string `yaml:"exchange" validate:"required"`
	RoutingKey string `yaml:"routingKey"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:                 "localhost",
			Port:                 5672,
			VHost:                "/",
			User:                 "guest",
			Password:             "guest",
			ConnectionTimeout:    30 * time.Second,
			Heartbeat:            10 * time.Second,
			RequestTimeout:       10 * time.Second,
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: -1,
			ChannelPoolSize:      10,
		},
		Publisher: PublisherConfig{
			ConfirmEnabled: true,
			ConfirmTimeout: 5 * time.Second,
			Persistent:     true,
		},
		Consumer: ConsumerConfig{
			Prefetch:        10,
			Instances:       1,
			ShutdownTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    300 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			Enabled:    true,
			Exchange:   "relay.dlx",
			Queue:      "relay.dlq",
			RoutingKey: "dead-letter",
		},
		Topology: TopologyConfig{
			DefaultExchange: "relay.events",
			Exchanges: map[string]ExchangeConfig{
				"events": {Name: "relay.events", Kind: "topic", Durable: true},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks field constraints
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// URL builds the AMQP connection URL
func (c BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
		u.RawPath = "/" + url.PathEscape(c.VHost)
	}
	return u.String()
}

// RedactedURL is URL with the password masked
func (c BrokerConfig) RedactedURL() string {
	u, err := url.Parse(c.URL())
	if err != nil {
		return "amqp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	return u.Redacted()
}

// String never includes credentials
func (c Config) String() string {
	return fmt.Sprintf("broker=%s confirm=%t prefetch=%d maxAttempts=%d retryDelay=%s..%s deadLetter=%t",
		c.Broker.RedactedURL(),
		c.Publisher.ConfirmEnabled,
		c.Consumer.Prefetch,
		c.Retry.MaxAttempts,
		c.Retry.BaseDelay,
		c.Retry.MaxDelay,
		c.DeadLetter.Enabled,
	)
}
