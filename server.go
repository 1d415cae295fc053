package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Server consumes calculation requests from the shared request queue, one
// delivery at a time, and publishes each response to the reply queue named
// by the request.
type Server struct {
	conn      *Connection
	config    *Config
	topology  Topology
	codec     Codec
	processor *Processor
	logger    *zap.Logger
	appID     string

	mutex       sync.Mutex
	running     bool
	closing     bool
	ch          *amqp.Channel
	consumerTag string
	done        chan struct{}
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger of a Server.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProcessor shares p with other servers, such as a DirectServer, so
// that they obey a single in-flight bound together.
func WithProcessor(p *Processor) ServerOption {
	return func(s *Server) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithServerCodec replaces the JSON codec.
func WithServerCodec(codec Codec) ServerOption {
	return func(s *Server) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// NewServer returns a Server consuming through conn.
func NewServer(conn *Connection, config *Config, options ...ServerOption) (*Server, error) {
	if conn == nil {
		return nil, errors.New("calcrpc.Server: connection required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := newServer(config, options...)
	s.conn = conn
	return s, nil
}

func newServer(config *Config, options ...ServerOption) *Server {
	hostname, _ := os.Hostname()
	s := &Server{
		config:   config,
		topology: TopologyFromConfig(config),
		codec:    JSONCodec{},
		logger:   zap.NewNop(),
		appID:    hostname,
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.processor == nil {
		s.processor = NewProcessor(s.logger)
	}
	return s
}

// Serve declares the topology and consumes requests until ctx is done or
// Shutdown is called. A lost channel is re-established through the
// connection's reconnect policy; Serve returns the error that ends it.
func (s *Server) Serve(ctx context.Context) error {
	s.mutex.Lock()
	switch {
	case s.running:
		s.mutex.Unlock()
		return errors.New("calcrpc.Server: already serving")
	case s.closing:
		s.mutex.Unlock()
		return ErrClosed
	}
	s.running = true
	s.mutex.Unlock()
	defer close(s.done)

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Shutdown(context.Background()); err != nil {
				s.logger.Error("server shutdown", zap.Error(err))
			}
		case <-s.done:
		}
	}()

	for {
		ch, deliveries, err := s.open()
		if err != nil {
			if s.stopping() {
				return nil
			}
			// topology or permission errors are not cured by reconnecting
			if !errors.Is(err, ErrTransport) || s.conn.IsConnected() {
				return err
			}
			s.logger.Warn("broker unavailable, reconnecting", zap.Error(err))
			if err = s.conn.Reconnect(ctx); err != nil {
				if s.stopping() || ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		s.logger.Info("consuming calculation requests",
			zap.String("queue", s.topology.RequestQueue),
			zap.String("exchange", s.topology.Exchange))

		s.consume(ch, deliveries)
		if s.stopping() {
			return nil
		}

		s.logger.Warn("request consumer stopped, reconnecting",
			zap.String("queue", s.topology.RequestQueue))
		ch.Close()
		if err = s.conn.Reconnect(ctx); err != nil {
			if s.stopping() || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) open() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err = s.topology.Declare(ch); err != nil {
		ch.Close()
		return nil, nil, transportError("declare topology", err)
	}
	// the broker holds back the next request until the current one is settled
	err = ch.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		ch.Close()
		return nil, nil, transportError("set QoS", err)
	}
	tag := "calcrpc-server-" + newClientID()
	deliveries, err := ch.Consume(
		s.topology.RequestQueue, // queue
		tag,                     // consumer
		false,                   // auto-ack
		false,                   // exclusive
		false,                   // no-local
		false,                   // no-wait
		nil,                     // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, transportError("consume", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closing {
		ch.Close()
		return nil, nil, ErrClosed
	}
	s.ch, s.consumerTag = ch, tag
	return ch, deliveries, nil
}

// consume handles deliveries strictly one after another.
func (s *Server) consume(pub publisher, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if s.stopping() {
			// handed over after the consumer was cancelled
			if err := d.Nack(false, true); err != nil {
				s.logger.Warn("requeue delivery", zap.Error(err))
			}
			continue
		}
		s.handle(pub, d)
	}
}

func (s *Server) handle(pub publisher, d amqp.Delivery) {
	req, err := s.codec.DecodeRequest(d.Body)
	if err != nil {
		s.logger.Error("rejecting malformed request",
			zap.String("correlation_id", d.CorrelationId),
			zap.Error(err))
		s.settle(d, false)
		return
	}

	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = d.ReplyTo
	}
	// the body id wins; the response carries one id in body and header
	if req.CorrelationID == "" {
		req.CorrelationID = d.CorrelationId
	}
	correlationID := req.CorrelationID
	log := s.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("reply_to", replyTo))

	resp, err := s.processor.Process(context.Background(), req)
	poisoned := err != nil
	if resp == nil {
		resp = failed(req, internalErrorMessage)
	}
	body, err := s.codec.EncodeResponse(resp)
	if err != nil {
		log.Error("encoding response", zap.Error(err))
		processing := resp.ProcessingTimeMs
		resp = failed(req, internalErrorMessage)
		resp.ProcessingTimeMs = processing
		poisoned = true
		if body, err = s.codec.EncodeResponse(resp); err != nil {
			log.Error("encoding error response", zap.Error(err))
			s.settle(d, false)
			return
		}
	}

	if replyTo == "" {
		log.Warn("no reply destination for response")
	} else if err = s.reply(pub, replyTo, correlationID, body); err != nil {
		log.Error("failed to send response", zap.Error(err))
	} else {
		log.Debug("response sent", zap.Bool("success", resp.Success))
	}

	s.settle(d, !poisoned)
}

func (s *Server) reply(pub publisher, replyTo, correlationID string, body []byte) error {
	return pub.Publish(
		"",      // default exchange routes by queue name
		replyTo, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:   s.codec.ContentType(),
			AppId:         s.appID,
			CorrelationId: correlationID,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			Body:          body,
		})
}

// settle acknowledges d, or rejects it without requeueing.
func (s *Server) settle(d amqp.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack(false)
	} else {
		err = d.Reject(false)
	}
	if err != nil {
		s.logger.Error("settling delivery",
			zap.Bool("ack", ack),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err))
	}
}

func (s *Server) stopping() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closing
}

// Shutdown stops accepting deliveries and waits for the one in flight,
// bounded by ctx and the configured grace period, before closing the
// channel. A delivery still unacknowledged then is returned to the queue
// by the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	if s.closing {
		s.mutex.Unlock()
		return nil
	}
	s.closing = true
	ch, tag, running := s.ch, s.consumerTag, s.running
	s.mutex.Unlock()

	if ch != nil {
		if err := ch.Cancel(tag, false); err != nil {
			s.logger.Warn("cancel request consumer", zap.Error(err))
		}
	}

	var err error
	if running {
		ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownGrace)
		defer cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("in-flight request not finished within grace period")
			err = ctx.Err()
		}
	}

	if ch != nil {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	}
	s.logger.Info("server stopped", zap.String("queue", s.topology.RequestQueue))
	return err
}
