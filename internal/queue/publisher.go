package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dispatchMessageType = "notify.dispatch"

	headerChannel  = "x-notify-channel"
	headerPriority = "x-notify-priority"
)

// RabbitMQPublisher enqueues dispatch messages on the default exchange and
// waits for the broker to confirm each one, so an accepted submission is
// never acknowledged to the caller before the broker owns the message.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg DispatchMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := newPublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message %s on queue %q: %w", msg.MessageID, queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %s on queue %q", msg.MessageID, queue)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// newPublishing builds the persistent AMQP message for msg. Channel and
// priority ride along as headers so DLQ tooling can triage without decoding
// the body.
func newPublishing(msg DispatchMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid dispatch message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	return amqp.Publishing{
		Headers: amqp.Table{
			headerChannel:  msg.Channel.String(),
			headerPriority: msg.Priority.String(),
		},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      PriorityValue(msg.Priority),
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     now,
		Type:          dispatchMessageType,
		AppId:         connectionName,
		Body:          payload,
	}, nil
}
