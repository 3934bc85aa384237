// Package queue connects the ingestion pipeline's two halves through
// RabbitMQ. The envelope is deliberately small: one upload id, persisted
// to a durable queue, and everything else is re-derived from the relational
// store by the consumer.
//
// Workers consume with a prefetch of exactly one, so a single worker never
// holds two uploads in flight; scaling is horizontal. Failed messages are
// negatively acknowledged without requeue, which keeps a poison message
// from looping forever. Terminal failure state lives on the upload row, not
// in the broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/quarryio/quarry/internal/log"
)

// ErrNotConnected indicates the broker connection is closed or absent.
var ErrNotConnected = errors.New("broker not connected")

// Message is the ingestion queue envelope.
type Message struct {
	UploadID int64 `json:"upload_id"`
}

// Handler processes one upload id. A nil return acknowledges the message;
// an error negatively acknowledges it without requeue.
type Handler func(ctx context.Context, uploadID int64) error

// Broker wraps one AMQP connection and the durable ingestion queue.
// Channels are opened per publish and per worker; an amqp channel is not
// safe for concurrent use.
type Broker struct {
	conn   *amqp.Connection
	queue  string
	logger log.Logger
}

// Connect dials the broker and declares the durable queue.
func Connect(url, queueName string, logger log.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queueName, err)
	}

	logger.Info("broker connected", "queue", queueName)
	return &Broker{conn: conn, queue: queueName, logger: logger}, nil
}

// Close closes the underlying connection.
func (b *Broker) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("closing broker connection: %w", err)
	}
	return nil
}

// Publish enqueues one upload id as a persistent JSON message. The message
// survives a broker restart together with the durable queue.
func (b *Broker) Publish(ctx context.Context, uploadID int64) error {
	if b.conn == nil || b.conn.IsClosed() {
		return ErrNotConnected
	}

	body, err := json.Marshal(Message{UploadID: uploadID})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening publish channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing upload %d: %w", uploadID, err)
	}

	b.logger.Debug("message published", "queue", b.queue, "upload_id", uploadID)
	return nil
}

// Consume runs the given number of workers until ctx is cancelled. Each
// worker has its own channel with prefetch 1 and processes deliveries one
// at a time. Returns nil on a clean shutdown.
func (b *Broker) Consume(ctx context.Context, workers int, h Handler) error {
	if workers < 1 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if b.conn == nil || b.conn.IsClosed() {
		return ErrNotConnected
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			return b.worker(gctx, i, h)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Broker) worker(ctx context.Context, id int, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("worker %d: opening channel: %w", id, err)
	}
	defer ch.Close()

	// Exactly one unacknowledged message per worker.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("worker %d: setting prefetch: %w", id, err)
	}

	tag := fmt.Sprintf("quarry-worker-%d", id)
	deliveries, err := ch.Consume(b.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker %d: starting consume: %w", id, err)
	}

	b.logger.Info("worker started", "worker", id, "queue", b.queue)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("worker stopping", "worker", id)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn("delivery channel closed", "worker", id)
				return nil
			}
			b.handle(ctx, d, h)
		}
	}
}

// handle dispatches one delivery and settles it. Malformed envelopes and
// handler failures are rejected without requeue.
func (b *Broker) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		b.logger.Warn("discarding malformed message", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			b.logger.Warn("nack failed", "error", nackErr)
		}
		return
	}

	if err := h(ctx, msg.UploadID); err != nil {
		b.logger.Warn("message processing failed", "upload_id", msg.UploadID, "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			b.logger.Warn("nack failed", "upload_id", msg.UploadID, "error", nackErr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		b.logger.Warn("ack failed", "upload_id", msg.UploadID, "error", err)
	}
}
