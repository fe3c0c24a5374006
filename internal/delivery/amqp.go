package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

// AMQPSink publishes updates as persistent JSON messages to a durable RabbitMQ
// queue. The connection is opened lazily and re-dialed after any failure.
type AMQPSink struct {
	url    string
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewAMQPSink validates the settings; it does not connect.
func NewAMQPSink(url, queue string, logger *slog.Logger) (*AMQPSink, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if queue == "" {
		queue = "wxhelper_updates"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSink{url: url, queue: queue, logger: logger}, nil
}

// Queue is the target queue name.
func (s *AMQPSink) Queue() string { return s.queue }

// Publish sends one update.
func (s *AMQPSink) Publish(ctx context.Context, u domain.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return updates.Skip(fmt.Errorf("encode update %d: %w", u.UpdateID, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		s.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    strconv.FormatInt(u.UpdateID, 10),
			Timestamp:    u.ReceivedAt,
			Type:         u.Type(),
			Body:         body,
		},
	)
	if err != nil {
		s.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	s.logger.Debug("published update to amqp", "queue", s.queue, "update_id", u.UpdateID)
	return nil
}

func (s *AMQPSink) channelLocked() (*amqp091.Channel, error) {
	if s.channel != nil && !s.channel.IsClosed() {
		return s.channel, nil
	}
	s.resetLocked()

	conn, err := amqp091.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		s.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", s.queue, err)
	}
	s.conn, s.channel = conn, ch
	s.logger.Info("amqp connection established", "queue", s.queue)
	return ch, nil
}

func (s *AMQPSink) resetLocked() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn, s.channel = nil, nil
}

// Close drops the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}
