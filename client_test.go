package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type transportFunc func(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error)

func (f transportFunc) RoundTrip(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
	return f(ctx, req)
}

func (f transportFunc) Close() error { return nil }

func TestClient_Operations(t *testing.T) {
	c := NewClient(newLoopback())
	defer c.Close()
	ctx := context.Background()

	v, err := c.Add(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = c.Subtract(ctx, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	v, err = c.Multiply(ctx, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, 56.0, v)

	v, err = c.Divide(ctx, 6, 3)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestClient_RemoteErrors(t *testing.T) {
	c := NewClient(newLoopback())
	defer c.Close()

	_, err := c.Divide(context.Background(), 6, 0)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "Cannot divide by zero", remote.Message)
	assert.Equal(t, "Divide", remote.Operation)

	_, err = c.Calculate(context.Background(), Operation("Foo"), 1, 2)
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "Unsupported operation: Foo", remote.Message)
}

func TestClient_Timeout(t *testing.T) {
	c := NewClient(transportFunc(func(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, err.Error(), "30ms")
}

func TestClient_Cancelled(t *testing.T) {
	c := NewClient(transportFunc(func(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Multiply(ctx, 1, 1)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestClient_TransportErrors(t *testing.T) {
	for name, terr := range map[string]error{
		"plain":   errors.New("connection reset"),
		"wrapped": transportError("publish", errors.New("channel closed")),
	} {
		t.Run(name, func(t *testing.T) {
			c := NewClient(transportFunc(func(context.Context, *CalculationRequest) (*CalculationResponse, error) {
				return nil, terr
			}))
			_, err := c.Add(context.Background(), 1, 1)
			assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
		})
	}

	c := NewClient(transportFunc(func(context.Context, *CalculationRequest) (*CalculationResponse, error) {
		return nil, ErrClosed
	}))
	_, err := c.Add(context.Background(), 1, 1)
	assert.Equal(t, ErrClosed, err)
}

func TestClient_MismatchedCorrelationID(t *testing.T) {
	c := NewClient(transportFunc(func(_ context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		resp := succeeded(req, 2)
		resp.CorrelationID = "someone-else"
		return resp, nil
	}))
	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
}

func TestClient_NonFiniteOperands(t *testing.T) {
	logger, logs := observedLogger(zapcore.DebugLevel)
	called := false
	c := NewClient(transportFunc(func(_ context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		called = true
		return succeeded(req, 0), nil
	}), WithLogger(logger))

	for _, pair := range [][2]float64{{math.NaN(), 1}, {1, math.Inf(1)}, {math.Inf(-1), 0}} {
		_, err := c.Add(context.Background(), pair[0], pair[1])
		assert.True(t, errors.Is(err, ErrEncode), "got %v", err)
	}
	assert.False(t, called)
	assert.Equal(t, 0, logs.FilterMessage("sending calculation request").Len())
	assert.Equal(t, 3, logs.FilterMessage("calculation request refused").Len())
}

func TestClient_DistinctCorrelationIDs(t *testing.T) {
	var ids sync.Map
	c := NewClient(transportFunc(func(_ context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		if _, dup := ids.LoadOrStore(req.CorrelationID, true); dup {
			return nil, errDuplicateCall
		}
		return succeeded(req, req.Number1+req.Number2), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Add(context.Background(), float64(i), 1)
			assert.NoError(t, err)
			assert.Equal(t, float64(i+1), v)
		}(i)
	}
	wg.Wait()

	n := 0
	ids.Range(func(_, _ interface{}) bool { n++; return true })
	assert.Equal(t, 50, n)
}

func TestClient_RequestFields(t *testing.T) {
	var got *CalculationRequest
	c := NewClient(transportFunc(func(_ context.Context, req *CalculationRequest) (*CalculationResponse, error) {
		got = req
		return succeeded(req, 0.5), nil
	}), withIDGenerator(func() string { return "fixed-id" }))

	before := time.Now()
	_, err := c.Divide(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", got.CorrelationID)
	assert.Equal(t, "Divide", got.Operation)
	assert.Equal(t, 1.0, got.Number1)
	assert.Equal(t, 2.0, got.Number2)
	assert.False(t, got.Timestamp.Before(before.Add(-time.Second)))
}

func TestClient_Close(t *testing.T) {
	l := newLoopback()
	c := NewClient(l)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, 1, l.closed)
}
