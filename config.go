package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/streadway/amqp"
	"gopkg.in/yaml.v2"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultConnectionTimeout = 5 * time.Second
	defaultShutdownGrace     = 5 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxAttempts       = 5
)

// Config holds the broker connection settings and queue topology shared by
// clients and servers.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string

	// RequestQueue is the shared queue servers consume from. It doubles as
	// the routing key binding it to Exchange.
	RequestQueue string
	// ResponseQueuePrefix is suffixed with a per client id to name the
	// private reply queue.
	ResponseQueuePrefix string
	Exchange            string
	ExchangeType        string
	Durable             bool
	Exclusive           bool
	AutoDelete          bool
	// DeadLetterExchange receives rejected requests when set. Otherwise
	// rejected requests are dropped by the broker.
	DeadLetterExchange string

	RequestTimeout    time.Duration
	ConnectionTimeout time.Duration
	// ShutdownGrace bounds how long a server waits for its in-flight
	// delivery when stopping.
	ShutdownGrace time.Duration
	// ReconnectDelay and MaxReconnectAttempts drive Connection.Reconnect.
	// A negative MaxReconnectAttempts retries forever.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// TLS is SSL connection configuration
	TLS *tls.Config
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "localhost",
		Port:                 5672,
		Username:             "guest",
		Password:             "guest",
		VirtualHost:          "/",
		RequestQueue:         "calculator.requests",
		ResponseQueuePrefix:  "calculator.responses",
		Exchange:             "calculator.exchange",
		ExchangeType:         amqp.ExchangeDirect,
		Durable:              true,
		RequestTimeout:       defaultRequestTimeout,
		ConnectionTimeout:    defaultConnectionTimeout,
		ShutdownGrace:        defaultShutdownGrace,
		ReconnectDelay:       defaultReconnectDelay,
		MaxReconnectAttempts: defaultMaxAttempts,
	}
}

type fileConfig struct {
	Host                 *string `yaml:"host"`
	Port                 *int    `yaml:"port"`
	Username             *string `yaml:"username"`
	Password             *string `yaml:"password"`
	VirtualHost          *string `yaml:"virtualHost"`
	RequestQueue         *string `yaml:"requestQueue"`
	ResponseQueuePrefix  *string `yaml:"responseQueuePrefix"`
	Exchange             *string `yaml:"exchange"`
	ExchangeType         *string `yaml:"exchangeType"`
	Durable              *bool   `yaml:"durable"`
	Exclusive            *bool   `yaml:"exclusive"`
	AutoDelete           *bool   `yaml:"autoDelete"`
	DeadLetterExchange   *string `yaml:"deadLetterExchange"`
	RequestTimeoutMs     *int    `yaml:"requestTimeoutMs"`
	ConnectionTimeoutMs  *int    `yaml:"connectionTimeoutMs"`
	ShutdownGraceMs      *int    `yaml:"shutdownGraceMs"`
	ReconnectDelayMs     *int    `yaml:"reconnectDelayMs"`
	MaxReconnectAttempts *int    `yaml:"maxReconnectAttempts"`
}

// LoadConfig builds a Config from the defaults, the YAML file at path (if
// path is not empty) and the environment, in increasing precedence. Callers
// apply explicit overrides to the returned value.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("calcrpc: reading config: %w", err)
		}
		if err = config.applyYAML(data); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyYAML(data []byte) error {
	var f fileConfig
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return fmt.Errorf("calcrpc: parsing config: %w", err)
	}
	setString(&c.Host, f.Host)
	setString(&c.Username, f.Username)
	setString(&c.Password, f.Password)
	setString(&c.VirtualHost, f.VirtualHost)
	setString(&c.RequestQueue, f.RequestQueue)
	setString(&c.ResponseQueuePrefix, f.ResponseQueuePrefix)
	setString(&c.Exchange, f.Exchange)
	setString(&c.ExchangeType, f.ExchangeType)
	setString(&c.DeadLetterExchange, f.DeadLetterExchange)
	if f.Port != nil {
		c.Port = *f.Port
	}
	if f.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *f.MaxReconnectAttempts
	}
	setBool(&c.Durable, f.Durable)
	setBool(&c.Exclusive, f.Exclusive)
	setBool(&c.AutoDelete, f.AutoDelete)
	setMillis(&c.RequestTimeout, f.RequestTimeoutMs)
	setMillis(&c.ConnectionTimeout, f.ConnectionTimeoutMs)
	setMillis(&c.ShutdownGrace, f.ShutdownGraceMs)
	setMillis(&c.ReconnectDelay, f.ReconnectDelayMs)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

// ApplyEnv overrides c with the recognised environment variables found by
// lookup (usually os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RABBITMQ_HOST":                  &c.Host,
		"RABBITMQ_USERNAME":              &c.Username,
		"RABBITMQ_PASSWORD":              &c.Password,
		"RABBITMQ_VHOST":                 &c.VirtualHost,
		"RABBITMQ_REQUEST_QUEUE":         &c.RequestQueue,
		"RABBITMQ_RESPONSE_QUEUE_PREFIX": &c.ResponseQueuePrefix,
		"RABBITMQ_EXCHANGE":              &c.Exchange,
		"RABBITMQ_EXCHANGE_TYPE":         &c.ExchangeType,
		"RABBITMQ_DEAD_LETTER_EXCHANGE":  &c.DeadLetterExchange,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"RABBITMQ_DURABLE":     &c.Durable,
		"RABBITMQ_EXCLUSIVE":   &c.Exclusive,
		"RABBITMQ_AUTO_DELETE": &c.AutoDelete,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("calcrpc: %s: %w", key, err)
		}
		*dst = b
	}

	if v, ok := lookup("RABBITMQ_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("calcrpc: RABBITMQ_PORT: %w", err)
		}
		c.Port = port
	}

	millis := map[string]*time.Duration{
		"CALCULATOR_REQUEST_TIMEOUT_MS":  &c.RequestTimeout,
		"RABBITMQ_CONNECTION_TIMEOUT_MS": &c.ConnectionTimeout,
	}
	for key, dst := range millis {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("calcrpc: %s: %w", key, err)
		}
		*dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("calcrpc: broker host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("calcrpc: invalid broker port %d", c.Port)
	case c.RequestQueue == "":
		return errors.New("calcrpc: request queue name is required")
	case c.ResponseQueuePrefix == "":
		return errors.New("calcrpc: response queue prefix is required")
	case c.Exchange == "":
		return errors.New("calcrpc: exchange name is required")
	case c.RequestTimeout <= 0:
		return errors.New("calcrpc: request timeout must be positive")
	case c.ConnectionTimeout <= 0:
		return errors.New("calcrpc: connection timeout must be positive")
	}
	switch c.ExchangeType {
	case amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout, amqp.ExchangeHeaders:
	default:
		return fmt.Errorf("calcrpc: unsupported exchange type %q", c.ExchangeType)
	}
	return nil
}

// URI returns the AMQP URI of the configured broker.
func (c *Config) URI() string {
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}.String()
}
