package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// Publisher publishes dispatch messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DispatchMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg DispatchMessage) error

// Consumer consumes dispatch messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

var supportedChannels = []domain.Channel{
	domain.ChannelEmail,
	domain.ChannelSMS,
	domain.ChannelChat,
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 3

	queuePrefix = "notify"
)

// QueueName returns the channel work queue name, e.g. notify.sms.
func QueueName(channel domain.Channel) string {
	return queuePrefix + "." + strings.ToLower(channel.String())
}

// DLQName returns the dead-letter queue name for a channel, e.g. notify.dlq.sms.
func DLQName(channel domain.Channel) string {
	return fmt.Sprintf("%s.dlq.%s", queuePrefix, strings.ToLower(channel.String()))
}

// WorkQueueNames returns the work queue of every channel.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedChannels))
	for _, channel := range supportedChannels {
		queues = append(queues, QueueName(channel))
	}
	return queues
}

// DLQNames returns the dead-letter queue of every channel.
func DLQNames() []string {
	queues := make([]string, 0, len(supportedChannels))
	for _, channel := range supportedChannels {
		queues = append(queues, DLQName(channel))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityMedium:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
