package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Connection is the single long-lived broker connection of a process.
// Clients and servers ask it for channels; it never hands out the raw
// *amqp.Connection.
type Connection struct {
	config *Config
	logger *zap.Logger
	name   string

	// dialMutex serialises reconnect attempts from different consumers.
	dialMutex sync.Mutex

	mutex   sync.Mutex
	conn    *amqp.Connection
	closing bool
	lastErr error
}

// ConnectionOption customises a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the logger of a Connection.
func WithConnectionLogger(l *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConnectionName sets the connection name shown by the broker.
func WithConnectionName(name string) ConnectionOption {
	return func(c *Connection) {
		c.name = name
	}
}

// Dial connects to the broker described by config.
func Dial(config *Config, options ...ConnectionOption) (*Connection, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := newConnection(config, options...)
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func newConnection(config *Config, options ...ConnectionOption) *Connection {
	c := &Connection{
		config: config,
		logger: zap.NewNop(),
		name:   defaultConnectionName(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func defaultConnectionName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "host"
	}
	return fmt.Sprintf("calcrpc-%s-%d", host, os.Getpid())
}

func (c *Connection) connect() error {
	conn, err := amqp.DialConfig(c.config.URI(), amqp.Config{
		Dial:            amqp.DefaultDial(c.config.ConnectionTimeout),
		TLSClientConfig: c.config.TLS,
		Vhost:           c.config.VirtualHost,
		Properties:      amqp.Table{"connection_name": c.name},
	})
	if err != nil {
		c.mutex.Lock()
		c.lastErr = err
		c.mutex.Unlock()
		c.logger.Error("broker unreachable",
			zap.String("host", c.config.Host),
			zap.Int("port", c.config.Port),
			zap.Error(err))
		return transportError("dial", err)
	}

	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.lastErr = nil
	c.mutex.Unlock()

	go c.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	go c.watchBlocked(conn.NotifyBlocked(make(chan amqp.Blocking, 1)))

	c.logger.Info("connected to broker",
		zap.String("host", c.config.Host),
		zap.Int("port", c.config.Port),
		zap.String("vhost", c.config.VirtualHost))
	return nil
}

func (c *Connection) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	reason, ok := <-closed

	c.mutex.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if ok && reason != nil {
		c.lastErr = reason
	}
	closing := c.closing
	c.mutex.Unlock()

	if !closing && ok && reason != nil {
		c.logger.Warn("broker connection lost", zap.Error(reason))
	}
}

func (c *Connection) watchBlocked(blocked <-chan amqp.Blocking) {
	for b := range blocked {
		if b.Active {
			c.logger.Warn("broker connection blocked", zap.String("reason", b.Reason))
		} else {
			c.logger.Info("broker connection unblocked")
		}
	}
}

// IsConnected reports whether the connection is open.
func (c *Connection) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Channel opens a new channel. Channels must not be shared between
// goroutines without synchronisation.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mutex.Lock()
	conn, closing := c.conn, c.closing
	c.mutex.Unlock()

	if closing {
		return nil, ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("%w: connection is not open", ErrTransport)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, transportError("open channel", err)
	}
	return ch, nil
}

// TryReconnect replaces a lost connection. It is a no-op returning true
// when the connection is already open.
func (c *Connection) TryReconnect() bool {
	c.dialMutex.Lock()
	defer c.dialMutex.Unlock()

	c.mutex.Lock()
	old, closing := c.conn, c.closing
	c.mutex.Unlock()

	if closing {
		return false
	}
	if old != nil && !old.IsClosed() {
		return true
	}
	c.logger.Info("reconnecting to broker")
	return c.connect() == nil
}

// Reconnect calls TryReconnect until it succeeds, ctx is done or the
// configured number of attempts is exhausted.
func (c *Connection) Reconnect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if c.TryReconnect() {
			return nil
		}
		if c.isClosing() {
			return ErrClosed
		}
		if limit := c.config.MaxReconnectAttempts; limit >= 0 && attempt >= limit {
			return transportError("reconnect", fmt.Errorf("gave up after %d attempts: %v", attempt, c.LastError()))
		}
		timer := time.NewTimer(c.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// LastError returns the error that closed or prevented the last
// connection, if any.
func (c *Connection) LastError() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastErr
}

func (c *Connection) isClosing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closing
}

// Close closes the connection and every channel opened from it.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	c.logger.Info("broker connection closed")
	return nil
}
