package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	connectionName  = "notify-router"
	dlxExchangeName = "notify.dlx"

	dialTimeout   = 15 * time.Second
	heartbeat     = 10 * time.Second
	minRetryWait  = time.Second
	maxRetryWait  = 30 * time.Second
	defaultLocale = "en_US"
)

// channelQueues is the broker topology of one notification channel: a
// priority work queue that dead-letters into DeadLetter through the DLX.
type channelQueues struct {
	Channel    domain.Channel
	Work       string
	DeadLetter string
	RoutingKey string
}

func (q channelQueues) workArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": q.RoutingKey,
		"x-max-priority":            queueMaxPriority,
	}
}

func topology() []channelQueues {
	out := make([]channelQueues, 0, len(supportedChannels))
	for _, channel := range supportedChannels {
		out = append(out, channelQueues{
			Channel:    channel,
			Work:       QueueName(channel),
			DeadLetter: DLQName(channel),
			RoutingKey: strings.ToLower(channel.String()),
		})
	}
	return out
}

type Option func(*RabbitMQ)

func WithLogger(logger *zap.Logger) Option {
	return func(r *RabbitMQ) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RabbitMQ owns the broker connection. The connection is dialed lazily,
// the topology is declared once per dialed connection and a lost
// connection is redialed by the next caller that needs a channel.
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	dialMu sync.Mutex
	mu     sync.RWMutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string, opts ...Option) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// IsConnected reports whether the broker connection is open.
func (r *RabbitMQ) IsConnected() bool {
	return r.current() != nil
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

// channel opens a channel on the live connection, redialing once when the
// connection turns out to be dead.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; ; attempt++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}
		if attempt > 0 {
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
		r.logger.Warn("rabbitmq channel open failed, redialing", zap.Error(err))
		r.drop(conn)
	}
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	wait := minRetryWait
	for {
		conn, err := r.dial()
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()

			go r.watch(conn)
			r.logger.Info("rabbitmq connected")
			return conn, nil
		}

		r.logger.Warn("rabbitmq dial failed", zap.Error(err), zap.Duration("retryIn", wait))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = nextRetryWait(wait)
	}
}

func (r *RabbitMQ) dial() (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)

	conn, err := amqp.DialConfig(r.url, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     defaultLocale,
		Properties: props,
		Dial:       amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, err
	}

	if err := declareTopology(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// watch forgets conn once the broker closes it so the next caller redials.
func (r *RabbitMQ) watch(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	if amqpErr, ok := <-closed; ok && amqpErr != nil {
		r.logger.Warn("rabbitmq connection lost",
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
		)
	}
	r.drop(conn)
}

func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
}

func declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, q := range topology() {
		if _, err := ch.QueueDeclare(q.DeadLetter, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", q.DeadLetter, err)
		}
		if err := ch.QueueBind(q.DeadLetter, q.RoutingKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", q.DeadLetter, err)
		}
		if _, err := ch.QueueDeclare(q.Work, true, false, false, false, q.workArgs()); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.Work, err)
		}
	}
	return nil
}

func nextRetryWait(wait time.Duration) time.Duration {
	wait *= 2
	if wait > maxRetryWait {
		return maxRetryWait
	}
	return wait
}
