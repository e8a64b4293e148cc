package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/infra/observability"
)

// channel is the subset of *amqp.Channel the sink uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as JSON to a durable fanout exchange. The
// routing key is the event kind so topic consumers can bind selectively
// if the exchange type is changed.
type AMQPSink struct {
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	s, err := newAMQPSink(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func newAMQPSink(ch channel, exchange string) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp declare %q: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange}, nil
}

// Publish sends ev. Context cancellation is not observed by the client
// library; the call returns once the frame is written.
func (s *AMQPSink) Publish(_ context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Kind),
		Body:         body,
	}
	if !ev.SessionID.IsNil() {
		msg.MessageId = ev.SessionID.String() + ":" + string(ev.Kind) + ":" + string(ev.To)
	}

	s.mu.Lock()
	err = s.ch.Publish(s.exchange, string(ev.Kind), false, false, msg)
	s.mu.Unlock()
	if err != nil {
		observability.EventsPublished.WithLabelValues("amqp", "error").Inc()
		return fmt.Errorf("amqp publish: %w", err)
	}
	observability.EventsPublished.WithLabelValues("amqp", "ok").Inc()
	return nil
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
