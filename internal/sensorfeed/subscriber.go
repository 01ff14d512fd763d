// Package sensorfeed consumes occupancy envelopes that sensors publish to an
// AMQP topic exchange and feeds them into the same ingest path as live
// connections.
package sensorfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/jsherman999/occupancyhub/internal/store"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type Config struct {
	DSN      string
	Exchange string
	Tag      string
	Topics   []string
	TLS      bool
	// ReconnectDelay is the pause after a lost connection.
	ReconnectDelay time.Duration
}

// Sink ingests one raw envelope. hub.Hub.Ingest with a nil source fits.
type Sink func(ctx context.Context, body []byte) error

type Subscriber struct {
	cfg  Config
	sink Sink
	log  *zap.SugaredLogger

	connection *amqp.Connection
	channel    *amqp.Channel
	queue      *amqp.Queue
}

func NewSubscriber(cfg Config, sink Sink, log *zap.SugaredLogger) *Subscriber {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Subscriber{cfg: cfg, sink: sink, log: log}
}

func (s *Subscriber) queueName() string {
	return fmt.Sprintf("occupancy-hub-%s", s.cfg.Tag)
}

// Run consumes until ctx is done, reconnecting after connection loss.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnw("sensorfeed: consumer stopped, reconnecting", "error", err, "pause", s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	err := retry.Do(
		s.setup,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Infow("sensorfeed: setup failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer s.shutdown()

	deliveries, err := s.channel.Consume(
		s.queue.Name,
		"occupancy-hub-"+s.cfg.Tag, // consumer
		false,                      // autoAck
		false,                      // exclusive
		false,                      // noLocal
		false,                      // noWait
		nil,                        // arguments
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue.Name, err)
	}
	closed := s.connection.NotifyClose(make(chan *amqp.Error, 1))
	s.log.Infow("sensorfeed: consuming", "queue", s.queue.Name, "exchange", s.cfg.Exchange, "topics", s.cfg.Topics)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.handleDelivery(ctx, d)
		}
	}
}

// setup dials the broker and declares and binds the queue.
func (s *Subscriber) setup() error {
	s.shutdown()

	var err error
	if s.cfg.TLS {
		s.connection, err = amqp.DialTLS(s.cfg.DSN, nil)
	} else {
		s.connection, err = amqp.Dial(s.cfg.DSN)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.channel, err = s.connection.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	q, err := s.channel.QueueDeclare(
		s.queueName(),
		false, // durable
		true,  // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", s.queueName(), err)
	}
	s.queue = &q

	for _, topic := range s.cfg.Topics {
		if err := s.channel.QueueBind(q.Name, topic, s.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q on %s: %w", topic, s.cfg.Exchange, err)
		}
	}
	return nil
}

func (s *Subscriber) shutdown() {
	if s.connection == nil {
		return
	}
	if err := s.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.log.Debugw("sensorfeed: close connection", "error", err)
	}
	s.connection, s.channel, s.queue = nil, nil, nil
}

// handleDelivery acks ingested bodies, rejects bodies that can never be
// ingested and requeues the rest.
func (s *Subscriber) handleDelivery(ctx context.Context, d amqp.Delivery) {
	err := s.sink(ctx, d.Body)
	switch {
	case err == nil:
		if aerr := d.Ack(false); aerr != nil {
			s.log.Warnw("sensorfeed: ack failed", "tag", d.DeliveryTag, "error", aerr)
		}
	case permanent(err):
		s.log.Warnw("sensorfeed: rejecting delivery", "routing_key", d.RoutingKey, "error", err)
		if aerr := d.Reject(false); aerr != nil {
			s.log.Warnw("sensorfeed: reject failed", "tag", d.DeliveryTag, "error", aerr)
		}
	default:
		s.log.Warnw("sensorfeed: ingest failed, requeueing", "routing_key", d.RoutingKey, "error", err)
		if aerr := d.Nack(false, true); aerr != nil {
			s.log.Warnw("sensorfeed: nack failed", "tag", d.DeliveryTag, "error", aerr)
		}
	}
}

func permanent(err error) bool {
	return errors.Is(err, occupancy.ErrMalformed) ||
		errors.Is(err, occupancy.ErrInvalid) ||
		errors.Is(err, store.ErrUnknownBuilding)
}
