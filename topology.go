package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Topology names the broker objects shared by clients and servers.
type Topology struct {
	Exchange     string
	ExchangeType string
	RequestQueue string
	// RoutingKey binds RequestQueue to Exchange.
	RoutingKey         string
	Durable            bool
	Exclusive          bool
	AutoDelete         bool
	DeadLetterExchange string
}

// TopologyFromConfig derives the topology of config.
func TopologyFromConfig(config *Config) Topology {
	return Topology{
		Exchange:           config.Exchange,
		ExchangeType:       config.ExchangeType,
		RequestQueue:       config.RequestQueue,
		RoutingKey:         config.RequestQueue,
		Durable:            config.Durable,
		Exclusive:          config.Exclusive,
		AutoDelete:         config.AutoDelete,
		DeadLetterExchange: config.DeadLetterExchange,
	}
}

// DeadLetterQueue is the queue collecting rejected requests when a
// dead-letter exchange is configured.
func (t Topology) DeadLetterQueue() string {
	if t.DeadLetterExchange == "" {
		return ""
	}
	return t.RequestQueue + ".dead"
}

// Declare declares the exchange, the request queue and their binding.
// Declaring an existing object with the same arguments is a no-op, so
// clients and servers may both call it.
func (t Topology) Declare(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		t.Exchange,     // name
		t.ExchangeType, // type
		t.Durable,      // durable
		t.AutoDelete,   // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %q: %w", t.Exchange, err)
	}

	var args amqp.Table
	if t.DeadLetterExchange != "" {
		if err = t.declareDeadLetter(ch); err != nil {
			return err
		}
		args = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	}

	_, err = ch.QueueDeclare(
		t.RequestQueue, // name
		t.Durable,      // durable
		t.AutoDelete,   // delete when unused
		t.Exclusive,    // exclusive
		false,          // no-wait
		args,           // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", t.RequestQueue, err)
	}

	err = ch.QueueBind(
		t.RequestQueue, // queue name
		t.RoutingKey,   // routing key
		t.Exchange,     // exchange
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("bind queue %q: %w", t.RequestQueue, err)
	}
	return nil
}

func (t Topology) declareDeadLetter(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter exchange %q: %w", t.DeadLetterExchange, err)
	}
	q, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err = ch.QueueBind(q.Name, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return nil
}

// DeclareReplyQueue declares the private reply queue of one client. The
// queue lives as long as the declaring connection.
func (t Topology) DeclareReplyQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("declare reply queue %q: %w", name, err)
	}
	return q, nil
}
