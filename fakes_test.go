package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func amqpURI() string { return os.Getenv("AMQP_URI") }

func failOnError(t *testing.T, err error, msg string) {
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// observedLogger returns a logger recording entries at level and above.
func observedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakePublisher records what would have been sent to the broker.
type fakePublisher struct {
	mutex     sync.Mutex
	published []publishedMessage
	err       error
	notify    chan publishedMessage
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{notify: make(chan publishedMessage, 256)}
}

func (p *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.err != nil {
		return p.err
	}
	m := publishedMessage{exchange: exchange, key: key, msg: msg}
	p.published = append(p.published, m)
	p.notify <- m
	return nil
}

func (p *fakePublisher) fail(err error) {
	p.mutex.Lock()
	p.err = err
	p.mutex.Unlock()
}

func (p *fakePublisher) messages() []publishedMessage {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]publishedMessage(nil), p.published...)
}

// fakeAcknowledger records how deliveries were settled.
type fakeAcknowledger struct {
	mutex   sync.Mutex
	acked   []uint64
	nacked  []uint64
	rejects []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.rejects = append(a.rejects, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) counts() (acked, nacked, rejected int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.acked), len(a.nacked), len(a.rejects)
}

// loopback is a Transport that runs requests through the JSON codec and a
// Processor in process.
type loopback struct {
	processor *Processor
	codec     JSONCodec
	mutex     sync.Mutex
	closed    int
}

func newLoopback() *loopback {
	return &loopback{processor: NewProcessor(nil)}
}

func (l *loopback) RoundTrip(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
	body, err := l.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	decoded, err := l.codec.DecodeRequest(body)
	if err != nil {
		return nil, err
	}
	resp, err := l.processor.Process(ctx, decoded)
	if err != nil {
		return nil, err
	}
	if body, err = l.codec.EncodeResponse(resp); err != nil {
		return nil, err
	}
	return l.codec.DecodeResponse(body)
}

func (l *loopback) Close() error {
	l.mutex.Lock()
	l.closed++
	l.mutex.Unlock()
	return nil
}

func testTopology() Topology {
	return TopologyFromConfig(DefaultConfig())
}
