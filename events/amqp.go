package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"core.ktrdr.dev/common"
)

// Config holds the broker URL and queue name for the event publisher.
type Config struct {
	URL   string
	Queue string
}

// AMQPPublisher publishes lifecycle events to a durable RabbitMQ queue.
type AMQPPublisher struct {
	mu         sync.Mutex
	connection AMQPConnection
	channel    AMQPChannel
	config     Config
}

// NewAMQPPublisher connects to RabbitMQ and declares the event queue.
func NewAMQPPublisher(config Config) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(config, &RealAMQPDialer{})
}

// NewAMQPPublisherWithDialer creates a publisher with an injected
// dialer for testing.
func NewAMQPPublisherWithDialer(config Config, dialer AMQPDialer) (*AMQPPublisher, error) {
	conn, err := dialer.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable: events survive a broker restart.
	_, err = ch.QueueDeclare(
		config.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &AMQPPublisher{
		connection: conn,
		channel:    ch,
		config:     config,
	}, nil
}

// PublishOperationEvent serializes the event to JSON and publishes it
// to the configured queue.
func (p *AMQPPublisher) PublishOperationEvent(event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		"",             // exchange (empty string means default exchange)
		p.config.Queue, // routing key (queue name)
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	common.Logger.WithFields(map[string]interface{}{
		"type":         event.Type,
		"operation_id": event.OperationID,
	}).Debug("published operation event")

	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}

	return nil
}
