package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrRetryLater marks a handler failure as transient; the message is put
// back on the queue instead of being dropped.
var ErrRetryLater = errors.New("retry later")

// ErrMalformedMessage is returned for payloads that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// GrantRetryHandler applies one queued grant retry.
type GrantRetryHandler func(ctx context.Context, ev MembershipGrantRetryEvent) error

// requeueDelay keeps a persistently failing message from spinning.
var requeueDelay = 2 * time.Second

// StartGrantRetryConsumer connects to RabbitMQ, declares the
// membership.grant.retry queue (durable) and hands each message to handle.
// It reconnects with exponential backoff and only returns once ctx is
// cancelled.
func StartGrantRetryConsumer(ctx context.Context, url string, handle GrantRetryHandler, log *slog.Logger) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("grant-retry consumer: failed to dial broker", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, handle, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("grant-retry consumer: consume loop ended; reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, handle GrantRetryHandler, log *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		log.Warn("grant-retry consumer: set QoS failed", "err", err)
	}

	if _, err := ch.QueueDeclare(GrantRetryQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(GrantRetryQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			requeue, err := handleMessage(ctx, d.Body, handle)
			if err == nil {
				_ = d.Ack(false)
				continue
			}
			log.Warn("grant-retry consumer: handle message failed", "err", err, "requeue", requeue)
			if requeue {
				sleep(ctx, requeueDelay)
			}
			_ = d.Nack(false, requeue)
		}
	}
}

// handleMessage decodes and applies one delivery.  It reports whether a
// failed message should go back on the queue.
func handleMessage(ctx context.Context, body []byte, handle GrantRetryHandler) (requeue bool, err error) {
	var ev MembershipGrantRetryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ev.OrderCode == "" {
		return false, fmt.Errorf("%w: missing order_code", ErrMalformedMessage)
	}
	if err := handle(ctx, ev); err != nil {
		return errors.Is(err, ErrRetryLater), err
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
