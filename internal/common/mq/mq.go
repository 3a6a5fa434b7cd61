package mq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"order-tracking/internal/domain"
)

const (
	OrdersExchange    = "orders_topic"
	TrackingExchange  = "tracking_topic"
	DeadLetterX       = "dlx"
	KitchenQueue      = "kitchen.q"
	DeadLetterQueue   = "dlq"
	KitchenRoutingKey = "kitchen.order.confirmed"
)

type Config struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gt=0,lte=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"use_tls"`
}

func (c Config) URL() string {
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}
	vhost := c.VHost
	if vhost == "" || vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, c.User, c.Password, c.Host, c.Port, vhost)
}

func Dial(cfg Config) (*amqp.Connection, error) {
	if cfg.UseTLS {
		return amqp.DialTLS(cfg.URL(), &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return amqp.Dial(cfg.URL())
}

// Client publishes with publisher confirms and consumes on a separate channel.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(cfg Config) (*Client, error) {
	conn, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Join(err, ch.Close(), conn.Close())
	}
	return &Client{conn: conn, ch: ch}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// DeclareAll declares the order and tracking topology. It is idempotent.
func (c *Client) DeclareAll() error {
	if c == nil || c.ch == nil {
		return fmt.Errorf("nil channel")
	}
	for _, ex := range []struct{ name, kind string }{
		{OrdersExchange, "topic"},
		{TrackingExchange, "topic"},
		{DeadLetterX, "direct"},
	} {
		if err := c.ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", ex.name, err)
		}
	}
	if _, err := c.ch.QueueDeclare(KitchenQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterX,
		"x-dead-letter-routing-key": DeadLetterQueue,
		"x-max-priority":            int32(10),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", KitchenQueue, err)
	}
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}
	if err := c.ch.QueueBind(KitchenQueue, "kitchen.#", OrdersExchange, false, nil); err != nil {
		return err
	}
	return c.ch.QueueBind(DeadLetterQueue, DeadLetterQueue, DeadLetterX, false, nil)
}

// Publish sends a persistent message and waits for the broker to confirm
// that delivery tag. A cancelled wait leaves no confirm behind for later calls.
func (c *Client) Publish(ctx context.Context, exchange, key string, priority uint8, body []byte) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("channel not in confirm mode")
	}
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ack {
		return fmt.Errorf("publish NACK from broker (tag %d)", dc.DeliveryTag)
	}
	return nil
}

// EnqueueTicket hands a confirmed order to the kitchen workers.
func (c *Client) EnqueueTicket(ctx context.Context, t domain.KitchenTicket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.Publish(ctx, OrdersExchange, KitchenRoutingKey, uint8(t.Priority), body)
}

// Consume opens a dedicated channel so consumer flow control does not stall publishes.
func (c *Client) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, nil, errors.Join(err, ch.Close())
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, nil, errors.Join(err, ch.Close())
	}
	return msgs, ch, nil
}
