package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogPublisher only logs. It is the default when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	log.Info().
		Str("template", string(msg.Template)).
		Str("recipient", msg.Recipient).
		Str("order_number", msg.OrderNumber).
		Bool("attachment", msg.Attachment != nil).
		Msg("notification: message published to log")
	return nil
}

func (LogPublisher) Close() error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Publish keys messages by order id so one order's notifications stay in partition order.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal %s: %w", msg.Template, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.OrderID.String()),
		Value: data,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(msg.Template)},
		},
	})
	if err != nil {
		return fmt.Errorf("notification: failed to write %s to kafka: %w", msg.Template, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notification: failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notification: failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notification: failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal %s: %w", msg.Template, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         string(msg.Template),
		MessageId:    msg.OrderID.String() + ":" + string(msg.Template),
		Timestamp:    msg.OccurredAt,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("notification: failed to publish %s: %w", msg.Template, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("notification: failed to close rabbitmq channel")
	}
	return p.conn.Close()
}

// New builds the publisher selected by transport: log, kafka or amqp.
func New(transport string, kafkaBrokers []string, kafkaTopic, amqpURL, amqpExchange string) (Publisher, error) {
	switch transport {
	case "", "log":
		return LogPublisher{}, nil
	case "kafka":
		if len(kafkaBrokers) == 0 {
			return nil, fmt.Errorf("notification: kafka transport needs at least one broker")
		}
		return NewKafkaPublisher(kafkaBrokers, kafkaTopic), nil
	case "amqp":
		p, err := NewAMQPPublisher(amqpURL, amqpExchange)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("notification: unknown transport %q", transport)
	}
}
