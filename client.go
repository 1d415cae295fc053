package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport carries one request to a calculator server and returns the
// server's response. Implementations must be safe for concurrent use.
type Transport interface {
	RoundTrip(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error)
	Close() error
}

var (
	_ Transport = (*Dispatcher)(nil)
	_ Transport = (*DirectTransport)(nil)
)

// Client is the calculator API. Each call gets its own correlation id and
// deadline; calls may be issued concurrently and complete in any order.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger
	newID     func() string

	closeOnce sync.Once
	closeErr  error
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTimeout sets the per call deadline. Non-positive values are ignored.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger of a Client.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func withIDGenerator(f func() string) ClientOption {
	return func(c *Client) {
		c.newID = f
	}
}

// NewClient returns a Client sending its requests through transport.
// The Client owns transport and closes it on Close.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		timeout:   defaultRequestTimeout,
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Add returns a + b.
func (c *Client) Add(ctx context.Context, a, b float64) (float64, error) {
	return c.Calculate(ctx, OpAdd, a, b)
}

// Subtract returns a - b.
func (c *Client) Subtract(ctx context.Context, a, b float64) (float64, error) {
	return c.Calculate(ctx, OpSubtract, a, b)
}

// Multiply returns a * b.
func (c *Client) Multiply(ctx context.Context, a, b float64) (float64, error) {
	return c.Calculate(ctx, OpMultiply, a, b)
}

// Divide returns a / b. Dividing by zero fails with a *RemoteError.
func (c *Client) Divide(ctx context.Context, a, b float64) (float64, error) {
	return c.Calculate(ctx, OpDivide, a, b)
}

// Calculate asks the server to apply op to a and b. A failure is
// ErrTimeout, ErrTransport, ErrClosed, ErrEncode or a *RemoteError.
func (c *Client) Calculate(ctx context.Context, op Operation, a, b float64) (float64, error) {
	req := newRequest(c.newID(), op, a, b)
	log := c.logger.With(
		zap.String("correlation_id", req.CorrelationID),
		zap.String("operation", req.Operation))
	if !finite(a) || !finite(b) {
		err := fmt.Errorf("%w: operands %v and %v are not finite", ErrEncode, a, b)
		log.Error("calculation request refused", zap.Error(err))
		return 0, err
	}
	log.Info("sending calculation request",
		zap.Float64("number1", a),
		zap.Float64("number2", b))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		err = c.classify(ctx, err)
		log.Error("calculation request failed", zap.Error(err))
		return 0, err
	}
	if resp.CorrelationID != req.CorrelationID {
		err = fmt.Errorf("%w: response correlation id %q does not match", ErrTransport, resp.CorrelationID)
		log.Error("calculation request failed", zap.Error(err))
		return 0, err
	}
	if !resp.Success {
		return 0, &RemoteError{Operation: resp.Operation, Message: resp.Error()}
	}

	log.Info("calculation completed",
		zap.String("expression", fmt.Sprintf("%v %s %v", a, op.Symbol(), b)),
		zap.Float64("result", resp.Result),
		zap.Int64("processing_ms", resp.ProcessingTimeMs))
	return resp.Result, nil
}

// classify maps transport errors onto the closed set of call outcomes.
func (c *Client) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %dms", ErrTimeout, c.timeout.Milliseconds())
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrClosed, ctx.Err())
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport),
		errors.Is(err, ErrClosed), errors.Is(err, ErrEncode):
		return err
	}
	return transportError("round trip", err)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Close shuts the transport down. Calls still waiting fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}
