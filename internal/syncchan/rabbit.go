package syncchan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/common/mq"
)

// RabbitTransport carries rooms over the tracking_topic exchange. Each
// process owns one exclusive auto-delete queue; joining a room binds the
// queue with the room name as routing key.
type RabbitTransport struct {
	cfg mq.Config
	log *logger.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	connClose chan *amqp.Error

	msgs        chan Message
	reconnected chan struct{}
	isClosed    atomic.Bool
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewRabbitTransport(cfg mq.Config, lg *logger.Logger) *RabbitTransport {
	if lg == nil {
		lg = logger.Nop()
	}
	return &RabbitTransport{
		cfg:         cfg,
		log:         lg,
		msgs:        make(chan Message, 256),
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (t *RabbitTransport) Connect(_ context.Context) error {
	if err := t.open(); err != nil {
		return err
	}
	t.wg.Add(1)
	go t.reconnectConn()
	return nil
}

func (t *RabbitTransport) open() error {
	conn, err := mq.Dial(t.cfg)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(err, conn.Close())
	}
	if err := ch.ExchangeDeclare(mq.TrackingExchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Join(err, conn.Close())
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return errors.Join(err, conn.Close())
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return errors.Join(err, conn.Close())
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	t.conn, t.ch, t.queue, t.connClose = conn, ch, q.Name, closeCh
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(deliveries)
	return nil
}

func (t *RabbitTransport) consume(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()
	for d := range deliveries {
		select {
		case t.msgs <- Message{Room: d.RoutingKey, Data: d.Body}:
		case <-t.done:
		}
	}
}

func (t *RabbitTransport) reconnectConn() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		closeCh := t.connClose
		t.mu.Unlock()

		var err *amqp.Error
		select {
		case err = <-closeCh:
		case <-t.done:
			return
		}
		if t.isClosed.Load() {
			return
		}
		t.log.Warn("rabbitmq_connection_lost", map[string]any{"error": errString(err)})
		for {
			if t.isClosed.Load() {
				return
			}
			if err := t.open(); err != nil {
				t.log.Debug("rabbitmq_reconnect_failed", map[string]any{"error": err.Error()})
				select {
				case <-t.done:
					return
				case <-time.After(3 * time.Second):
				}
				continue
			}
			t.log.Info("rabbitmq_reconnected", nil)
			select {
			case t.reconnected <- struct{}{}:
			default:
			}
			break
		}
	}
}

func (t *RabbitTransport) channel() (*amqp.Channel, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil || t.ch.IsClosed() {
		return nil, "", ErrNotConnected
	}
	return t.ch, t.queue, nil
}

func (t *RabbitTransport) Join(_ context.Context, room string) error {
	ch, q, err := t.channel()
	if err != nil {
		return err
	}
	return ch.QueueBind(q, room, mq.TrackingExchange, false, nil)
}

func (t *RabbitTransport) Leave(_ context.Context, room string) error {
	ch, q, err := t.channel()
	if err != nil {
		return err
	}
	return ch.QueueUnbind(q, room, mq.TrackingExchange, nil)
}

func (t *RabbitTransport) Publish(ctx context.Context, room string, data []byte) error {
	ch, _, err := t.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, mq.TrackingExchange, room, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Body:        data,
	})
}

func (t *RabbitTransport) Messages() <-chan Message { return t.msgs }

func (t *RabbitTransport) Reconnected() <-chan struct{} { return t.reconnected }

func (t *RabbitTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.isClosed.Store(true)
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		t.wg.Wait()
		close(t.msgs)
	})
	return err
}

func errString(err *amqp.Error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
