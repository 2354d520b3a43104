package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

const exchangeTypeFanout = "fanout"

var (
	ErrNotConnected = errors.New("amqp channel not connected")
	ErrClosed       = errors.New("amqp publisher closed")
)

// AMQP publishes presence events to a durable fanout exchange.
type AMQP struct {
	url      string
	exchange string

	// life is cancelled by Close and bounds reconnect attempts.
	life context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewAMQP(url, exchange string) *AMQP {
	life, stop := context.WithCancel(context.Background())
	return &AMQP{url: url, exchange: exchange, life: life, stop: stop}
}

// Start connects, retrying with exponential backoff until ctx is done.
func (a *AMQP) Start(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(a.connect, b); err != nil {
		return errors.Wrap(err, "connect to amqp broker")
	}

	go a.notifyWhenClosed()
	return nil
}

func (a *AMQP) Online(ctx context.Context, deviceID string) error {
	return a.publish(ctx, newEvent(deviceID, true))
}

func (a *AMQP) Offline(ctx context.Context, deviceID string) error {
	return a.publish(ctx, newEvent(deviceID, false))
}

func (a *AMQP) Close() error {
	a.stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.channel != nil {
		a.channel.Close()
		a.channel = nil
	}
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn.Close()
	}
	return nil
}

func (a *AMQP) publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode presence event")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.channel == nil {
		return ErrNotConnected
	}
	err = a.channel.Publish(
		a.exchange,
		routingKey(ev.Connected),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Unix(ev.Timestamp, 0),
			Body:         body,
		},
	)
	return errors.Wrap(err, "publish presence event")
}

func (a *AMQP) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// connect dials and installs a fresh channel. Once Close has run it fails
// permanently and never installs a connection.
func (a *AMQP) connect() error {
	if a.isClosed() {
		return backoff.Permanent(ErrClosed)
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		slog.Warn("amqp dial failed", "error", err)
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	err = channel.ExchangeDeclare(
		a.exchange,
		exchangeTypeFanout,
		true,  // durable
		false, // delete when complete
		false, // internal
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return backoff.Permanent(ErrClosed)
	}
	a.conn = conn
	a.channel = channel
	a.mu.Unlock()

	slog.Info("amqp presence publisher connected", "exchange", a.exchange)
	return nil
}

func (a *AMQP) notifyWhenClosed() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

	reason := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if reason == nil {
		return
	}
	slog.Warn("amqp connection closed, reconnecting", "reason", reason)

	a.mu.Lock()
	a.channel = nil
	a.mu.Unlock()

	b := backoff.WithContext(backoff.NewExponentialBackOff(), a.life)
	if err := backoff.Retry(a.connect, b); err != nil {
		slog.Error("amqp reconnect failed", "error", err)
		return
	}
	go a.notifyWhenClosed()
}
