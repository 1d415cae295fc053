package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var errReplyQueueLost = errors.New("reply queue consumer stopped")

// publisher is the part of *amqp.Channel used to send messages.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dispatcher is the broker Transport. It publishes requests to the shared
// request queue and matches responses arriving on its private reply queue
// to the waiting callers by correlation id.
type Dispatcher struct {
	conn     *Connection
	topology Topology
	codec    Codec
	logger   *zap.Logger
	appID    string
	clientID string

	pending *pendingTable

	// pubMutex serialises publishing on pub.
	pubMutex sync.Mutex

	mutex       sync.Mutex
	pub         publisher
	pubCh       *amqp.Channel
	consumeCh   *amqp.Channel
	replyQueue  string
	consumerTag string
	closing     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger of a Dispatcher.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherCodec replaces the JSON codec.
func WithDispatcherCodec(codec Codec) DispatcherOption {
	return func(d *Dispatcher) {
		if codec != nil {
			d.codec = codec
		}
	}
}

// NewDispatcher declares the topology and a private reply queue on conn and
// starts listening for responses. The Dispatcher does not own conn.
func NewDispatcher(conn *Connection, config *Config, options ...DispatcherOption) (*Dispatcher, error) {
	if conn == nil {
		return nil, errors.New("calcrpc: dispatcher requires a connection")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	clientID := newClientID()
	d := newDispatcher(TopologyFromConfig(config), config.ResponseQueuePrefix+"."+clientID, options...)
	d.conn = conn
	d.clientID = clientID

	if err := d.setup(); err != nil {
		d.cancel()
		return nil, err
	}
	d.logger.Info("dispatcher ready",
		zap.String("client_id", d.clientID),
		zap.String("queue", d.replyQueue))
	return d, nil
}

func newDispatcher(topology Topology, replyQueue string, options ...DispatcherOption) *Dispatcher {
	hostname, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		topology:   topology,
		codec:      JSONCodec{},
		logger:     zap.NewNop(),
		appID:      hostname,
		pending:    newPendingTable(),
		replyQueue: replyQueue,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// newClientID returns the short id naming a client's reply queue.
func newClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ReplyQueue returns the name of the private reply queue.
func (d *Dispatcher) ReplyQueue() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.replyQueue
}

func (d *Dispatcher) setup() (err error) {
	pubCh, err := d.conn.Channel()
	if err != nil {
		return err
	}
	consumeCh, err := d.conn.Channel()
	if err != nil {
		pubCh.Close()
		return err
	}
	defer func() {
		if err != nil {
			consumeCh.Close()
			pubCh.Close()
		}
	}()

	if err = d.topology.Declare(pubCh); err != nil {
		return transportError("declare topology", err)
	}
	q, err := d.topology.DeclareReplyQueue(consumeCh, d.replyQueue)
	if err != nil {
		return transportError("declare reply queue", err)
	}
	tag := "calcrpc-" + d.clientID
	deliveries, err := consumeCh.Consume(
		q.Name, // queue
		tag,    // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return transportError("consume reply queue", err)
	}

	d.mutex.Lock()
	if d.closing {
		d.mutex.Unlock()
		return ErrClosed
	}
	d.pub, d.pubCh = pubCh, pubCh
	d.consumeCh, d.consumerTag = consumeCh, tag
	d.replyQueue = q.Name
	d.mutex.Unlock()

	d.start(deliveries)
	return nil
}

func (d *Dispatcher) start(deliveries <-chan amqp.Delivery) {
	d.wg.Add(1)
	go d.listen(deliveries)
}

// listen is the only goroutine resolving pending calls from responses.
func (d *Dispatcher) listen(deliveries <-chan amqp.Delivery) {
	defer d.wg.Done()
	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				d.lost()
				return
			}
			d.deliver(delivery)
		case <-d.ctx.Done():
			return
		}
	}
}

// lost fails the calls that can no longer be answered after the reply
// consumer stopped without Close being called.
func (d *Dispatcher) lost() {
	d.mutex.Lock()
	closing := d.closing
	d.pub = nil
	d.mutex.Unlock()
	if closing {
		return
	}

	n := d.pending.fail(transportError("reply queue", errReplyQueueLost))
	d.logger.Warn("reply queue consumer stopped",
		zap.String("queue", d.ReplyQueue()),
		zap.Int("failed_calls", n))
	if d.conn != nil {
		d.restart()
	}
}

func (d *Dispatcher) deliver(delivery amqp.Delivery) {
	resp, err := d.codec.DecodeResponse(delivery.Body)
	if err != nil {
		d.logger.Warn("dropping undecodable response",
			zap.String("correlation_id", delivery.CorrelationId),
			zap.Error(err))
		return
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = delivery.CorrelationId
	}
	id := resp.CorrelationID
	if !d.pending.complete(id, resp) {
		d.logger.Warn("dropping response for unknown correlation id",
			zap.String("correlation_id", id),
			zap.String("operation", resp.Operation))
		return
	}
	d.logger.Debug("response delivered", zap.String("correlation_id", id))
}

// restart re-establishes the reply queue after the connection dropped.
func (d *Dispatcher) restart() {
	d.mutex.Lock()
	old := []*amqp.Channel{d.pubCh, d.consumeCh}
	d.pubCh, d.consumeCh = nil, nil
	d.mutex.Unlock()
	for _, ch := range old {
		if ch != nil {
			ch.Close()
		}
	}

	if err := d.conn.Reconnect(d.ctx); err != nil {
		d.logger.Error("dispatcher could not reconnect", zap.Error(err))
		return
	}
	if err := d.setup(); err != nil {
		d.logger.Error("dispatcher could not restore reply queue", zap.Error(err))
		return
	}
	d.logger.Info("dispatcher reconnected", zap.String("queue", d.ReplyQueue()))
}

// RoundTrip publishes req and waits for the response with the same
// correlation id, until ctx is done or the Dispatcher is closed.
func (d *Dispatcher) RoundTrip(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
	d.mutex.Lock()
	closing, pub, replyQueue := d.closing, d.pub, d.replyQueue
	d.mutex.Unlock()

	if closing {
		return nil, ErrClosed
	}
	if pub == nil || (d.conn != nil && !d.conn.IsConnected()) {
		return nil, fmt.Errorf("%w: not connected to broker", ErrTransport)
	}

	msg := *req
	msg.ReplyTo = replyQueue
	body, err := d.codec.EncodeRequest(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	// the call must be waiting before the request can be answered
	call, err := d.pending.register(msg.CorrelationID)
	if err != nil {
		return nil, err
	}
	if err = d.publish(pub, &msg, body); err != nil {
		d.pending.deregister(msg.CorrelationID)
		return nil, transportError("publish", err)
	}
	d.logger.Debug("request published",
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("operation", msg.Operation),
		zap.String("queue", d.topology.RequestQueue))

	select {
	case o := <-call.done:
		return o.resp, o.err
	case <-ctx.Done():
		if d.pending.deregister(msg.CorrelationID) == nil {
			// resolved concurrently; the outcome is on its way
			o := <-call.done
			return o.resp, o.err
		}
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) publish(pub publisher, req *CalculationRequest, body []byte) error {
	d.pubMutex.Lock()
	defer d.pubMutex.Unlock()
	return pub.Publish(
		d.topology.Exchange,
		d.topology.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:   d.codec.ContentType(),
			AppId:         d.appID,
			CorrelationId: req.CorrelationID,
			ReplyTo:       req.ReplyTo,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			Body:          body,
		})
}

// Pending returns the number of calls waiting for a response.
func (d *Dispatcher) Pending() int {
	return d.pending.len()
}

// Close resolves every pending call with ErrClosed, deletes the reply queue
// and closes the Dispatcher's channels.
func (d *Dispatcher) Close() error {
	d.mutex.Lock()
	if d.closing {
		d.mutex.Unlock()
		return nil
	}
	d.closing = true
	pubCh, consumeCh := d.pubCh, d.consumeCh
	tag, queue := d.consumerTag, d.replyQueue
	d.mutex.Unlock()

	d.cancel()
	n := d.pending.close()

	var err error
	if consumeCh != nil {
		if cerr := consumeCh.Cancel(tag, false); cerr != nil {
			d.logger.Warn("cancel reply consumer", zap.Error(cerr))
		}
		if _, derr := consumeCh.QueueDelete(queue, false, false, false); derr != nil {
			d.logger.Warn("delete reply queue", zap.String("queue", queue), zap.Error(derr))
		}
		err = consumeCh.Close()
	}
	if pubCh != nil {
		if perr := pubCh.Close(); err == nil {
			err = perr
		}
	}
	d.wg.Wait()

	d.logger.Info("dispatcher closed",
		zap.String("client_id", d.clientID),
		zap.Int("cancelled_calls", n))
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
