package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const testReplyQueue = "calculator.responses.0badc0de"

func newTestDispatcher(t *testing.T, logger *zap.Logger) (*Dispatcher, *fakePublisher, chan amqp.Delivery) {
	pub := newFakePublisher()
	d := newDispatcher(testTopology(), testReplyQueue, WithDispatcherLogger(logger))
	d.pub = pub
	deliveries := make(chan amqp.Delivery)
	d.start(deliveries)
	t.Cleanup(func() { d.Close() })
	return d, pub, deliveries
}

// answer computes the response a server would send to a published request.
func answer(t *testing.T, m publishedMessage) amqp.Delivery {
	req, err := JSONCodec{}.DecodeRequest(m.msg.Body)
	require.NoError(t, err)
	var resp *CalculationResponse
	if result, err := Calculate(req.Operation, req.Number1, req.Number2); err != nil {
		resp = failed(req, err.Error())
	} else {
		resp = succeeded(req, result)
	}
	body, err := JSONCodec{}.EncodeResponse(resp)
	require.NoError(t, err)
	return amqp.Delivery{
		CorrelationId: m.msg.CorrelationId,
		ContentType:   jsonContentType,
		Body:          body,
	}
}

func TestDispatcher_PublishesRequest(t *testing.T) {
	d, pub, deliveries := newTestDispatcher(t, zap.NewNop())

	req := newRequest("id-publish", OpAdd, 2, 3)
	done := make(chan error, 1)
	go func() {
		resp, err := d.RoundTrip(context.Background(), req)
		if err == nil && resp.Result != 5 {
			err = fmt.Errorf("unexpected result %v", resp.Result)
		}
		done <- err
	}()

	m := <-pub.notify
	assert.Equal(t, "calculator.exchange", m.exchange)
	assert.Equal(t, "calculator.requests", m.key)
	assert.Equal(t, "id-publish", m.msg.CorrelationId)
	assert.Equal(t, testReplyQueue, m.msg.ReplyTo)
	assert.Equal(t, jsonContentType, m.msg.ContentType)
	assert.Equal(t, amqp.Persistent, m.msg.DeliveryMode)

	sent, err := JSONCodec{}.DecodeRequest(m.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, testReplyQueue, sent.ReplyTo)
	assert.Empty(t, req.ReplyTo, "caller's request must not be modified")

	deliveries <- answer(t, m)
	require.NoError(t, <-done)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_OutOfOrderResponses(t *testing.T) {
	d, pub, deliveries := newTestDispatcher(t, zap.NewNop())

	const n = 25
	type result struct {
		id   string
		want float64
		resp *CalculationResponse
		err  error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := newRequest(fmt.Sprintf("call-%02d", i), OpMultiply, float64(i), 2)
			resp, err := d.RoundTrip(context.Background(), req)
			results <- result{id: req.CorrelationID, want: float64(i * 2), resp: resp, err: err}
		}(i)
	}

	published := make([]publishedMessage, 0, n)
	for len(published) < n {
		published = append(published, <-pub.notify)
	}
	assert.Equal(t, n, d.Pending())

	// answer newest first
	for i := len(published) - 1; i >= 0; i-- {
		deliveries <- answer(t, published[i])
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, r.id, r.resp.CorrelationID)
		assert.Equal(t, r.want, r.resp.Result)
		assert.False(t, seen[r.id], "duplicate id %s", r.id)
		seen[r.id] = true
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_LateResponseDropped(t *testing.T) {
	logger, logs := observedLogger(zapcore.WarnLevel)
	d, pub, deliveries := newTestDispatcher(t, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.RoundTrip(ctx, newRequest("id-late", OpAdd, 1, 1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, 0, d.Pending())

	deliveries <- answer(t, <-pub.notify)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("dropping response for unknown correlation id").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_DuplicateResponse(t *testing.T) {
	logger, logs := observedLogger(zapcore.WarnLevel)
	d, pub, deliveries := newTestDispatcher(t, logger)

	done := make(chan *CalculationResponse, 1)
	go func() {
		resp, _ := d.RoundTrip(context.Background(), newRequest("id-dup", OpSubtract, 5, 3))
		done <- resp
	}()
	m := <-pub.notify
	deliveries <- answer(t, m)
	deliveries <- answer(t, m)

	resp := <-done
	require.NotNil(t, resp)
	assert.Equal(t, 2.0, resp.Result)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("dropping response for unknown correlation id").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_HeaderCorrelationID(t *testing.T) {
	d, pub, deliveries := newTestDispatcher(t, zap.NewNop())

	done := make(chan *CalculationResponse, 1)
	go func() {
		resp, _ := d.RoundTrip(context.Background(), newRequest("id-header", OpAdd, 1, 2))
		done <- resp
	}()
	m := <-pub.notify
	deliveries <- amqp.Delivery{
		CorrelationId: m.msg.CorrelationId,
		Body:          []byte(`{"result":3,"success":true,"errorMessage":null,"operation":"Add"}`),
	}

	resp := <-done
	require.NotNil(t, resp)
	assert.Equal(t, "id-header", resp.CorrelationID)
	assert.Equal(t, 3.0, resp.Result)
}

func TestDispatcher_UndecodableResponse(t *testing.T) {
	logger, logs := observedLogger(zapcore.WarnLevel)
	d, pub, deliveries := newTestDispatcher(t, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := d.RoundTrip(ctx, newRequest("id-garbage", OpAdd, 1, 2))
		done <- err
	}()
	m := <-pub.notify
	deliveries <- amqp.Delivery{CorrelationId: m.msg.CorrelationId, Body: []byte("garbage")}
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("dropping undecodable response").Len() == 1
	}, time.Second, 10*time.Millisecond)

	// the call is still waiting for a proper answer
	assert.Equal(t, 1, d.Pending())
	deliveries <- answer(t, m)
	assert.NoError(t, <-done)
}

func TestDispatcher_CloseResolvesPending(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, zap.NewNop())

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := d.RoundTrip(context.Background(), newRequest(fmt.Sprintf("id-close-%d", i), OpAdd, 1, 2))
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		<-pub.notify
	}

	require.NoError(t, d.Close())
	for i := 0; i < n; i++ {
		assert.Equal(t, ErrClosed, <-errs)
	}

	_, err := d.RoundTrip(context.Background(), newRequest("id-after", OpAdd, 1, 2))
	assert.Equal(t, ErrClosed, err)
	assert.NoError(t, d.Close())
}

func TestDispatcher_PublishFailure(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, zap.NewNop())
	pub.fail(amqp.ErrClosed)

	_, err := d.RoundTrip(context.Background(), newRequest("id-fail", OpAdd, 1, 2))
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_EncodeFailure(t *testing.T) {
	d, pub, _ := newTestDispatcher(t, zap.NewNop())

	_, err := d.RoundTrip(context.Background(), newRequest("id-inf", OpAdd, 1, 1/zero()))
	assert.True(t, errors.Is(err, ErrEncode), "got %v", err)
	assert.Empty(t, pub.messages())
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_ReplyQueueLost(t *testing.T) {
	logger, logs := observedLogger(zapcore.WarnLevel)
	d, pub, deliveries := newTestDispatcher(t, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = d.RoundTrip(context.Background(), newRequest("id-lost", OpAdd, 1, 2))
	}()
	<-pub.notify
	close(deliveries)
	wg.Wait()

	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("reply queue consumer stopped").Len() == 1
	}, time.Second, 10*time.Millisecond)

	_, err = d.RoundTrip(context.Background(), newRequest("id-next", OpAdd, 1, 2))
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
}

func zero() float64 { return 0 }
