package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
	"order-tracking/internal/order"
	"order-tracking/internal/repository"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// Consumer hands out deliveries of one queue on a dedicated channel.
type Consumer interface {
	Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error)
}

type Publisher interface {
	PublishStatus(ctx context.Context, se domain.StatusEvent) error
}

type KitchenServiceInterface interface {
	Run(ctx context.Context) error
}

type Config struct {
	WorkerName string
	Queue      string        // по умолчанию kitchen.q
	Prefetch   int           // basic.qos prefetch
	CookTime   time.Duration // имитация готовки
}

type KitchenService struct {
	orders   repository.Orders
	consumer Consumer
	pub      Publisher
	log      *logger.Logger
	cfg      Config
}

func NewKitchenService(orders repository.Orders, consumer Consumer, pub Publisher, cfg Config, lg *logger.Logger) *KitchenService {
	if cfg.Queue == "" {
		cfg.Queue = "kitchen.q"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.CookTime < 0 {
		cfg.CookTime = 0
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &KitchenService{orders: orders, consumer: consumer, pub: pub, cfg: cfg, log: lg}
}

func (ks *KitchenService) Run(ctx context.Context) error {
	if strings.TrimSpace(ks.cfg.WorkerName) == "" {
		return fmt.Errorf("worker name is empty: pass --worker-name")
	}

	msgs, ch, err := ks.consumer.Consume(ks.cfg.Queue, ks.cfg.WorkerName, ks.cfg.Prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", ks.cfg.Queue, err)
	}
	defer ch.Close()

	// Диагностика закрытий канала/консюмера
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelCh := ch.NotifyCancel(make(chan string, 1))

	ks.log.Info("worker_started", map[string]any{"worker": ks.cfg.WorkerName, "queue": ks.cfg.Queue, "prefetch": ks.cfg.Prefetch})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range msgs {
			ks.handle(ctx, d)
		}
	}()

	select {
	case <-ctx.Done():
		ks.log.Info("graceful_shutdown", map[string]any{"worker": ks.cfg.WorkerName})
		_ = ch.Cancel(ks.cfg.WorkerName, false) // перестаём принимать новые
		<-done                                  // дождёмся дренажа
		return nil
	case e := <-closeCh:
		<-done
		if e != nil {
			return fmt.Errorf("amqp channel closed: %d %s", e.Code, e.Reason)
		}
		return errors.New("amqp channel closed")
	case tag := <-cancelCh:
		<-done
		return fmt.Errorf("consumer %q canceled by broker", tag)
	}
}

// handle подтверждает доставку по результату обработки.
func (ks *KitchenService) handle(ctx context.Context, d amqp.Delivery) {
	err := ks.processOne(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDLQ):
		ks.log.Warn("ticket_dead_lettered", map[string]any{"error": err.Error()})
		_ = d.Nack(false, false)
	default:
		ks.log.Warn("ticket_requeued", map[string]any{"error": err.Error()})
		_ = d.Nack(false, true)
	}
}

// processOne ведёт заказ confirmed -> preparing -> ready. Повторная доставка
// продолжает с текущего статуса.
func (ks *KitchenService) processOne(ctx context.Context, body []byte) error {
	var t domain.KitchenTicket
	if err := json.Unmarshal(body, &t); err != nil {
		// нерепарабельный формат, в DLQ
		return fmt.Errorf("decode ticket: %v: %w", err, ErrDLQ)
	}
	if t.OrderID == "" {
		return fmt.Errorf("ticket without order id: %w", ErrDLQ)
	}

	cur, err := ks.orders.Get(ctx, t.OrderID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("order %s: %v: %w", t.OrderID, err, ErrDLQ)
	case err != nil:
		return fmt.Errorf("order %s: %v: %w", t.OrderID, err, ErrRequeue)
	}

	switch cur.Status {
	case domain.StatusConfirmed:
		ok, err := ks.step(ctx, t.OrderID, domain.StatusPreparing)
		if err != nil || !ok {
			return err
		}
		ks.log.Debug("order_processing_started", map[string]any{"order_id": t.OrderID, "worker": ks.cfg.WorkerName})
	case domain.StatusPreparing:
		ks.log.Debug("order_processing_resumed", map[string]any{"order_id": t.OrderID, "worker": ks.cfg.WorkerName})
	default:
		// уже дальше по жизненному циклу или отменён: идемпотентный повтор
		return nil
	}

	select {
	case <-time.After(ks.cfg.CookTime):
	case <-ctx.Done():
		return fmt.Errorf("cooking interrupted: %w", ErrRequeue)
	}

	if ok, err := ks.step(ctx, t.OrderID, domain.StatusReady); err != nil || !ok {
		return err
	}
	ks.log.Debug("order_ready", map[string]any{"order_id": t.OrderID, "worker": ks.cfg.WorkerName})
	return nil
}

// step применяет переход и рассылает статус. Отказ машины состояний значит,
// что заказ ушёл вперёд или отменён, и тикет закрывается.
func (ks *KitchenService) step(ctx context.Context, id string, to domain.Status) (bool, error) {
	var prev domain.Status
	o, err := ks.orders.Update(ctx, id, func(cur domain.Order) (domain.Order, error) {
		prev = cur.Status
		out, err := order.Apply(cur, order.Change{To: to, Source: order.SourceLocal, ChangedBy: ks.cfg.WorkerName})
		return out.Order, err
	})
	switch {
	case errors.Is(err, order.ErrInvalidTransition):
		ks.log.Info("ticket_skipped", map[string]any{"order_id": id, "status": string(prev), "wanted": string(to)})
		return false, nil
	case err != nil:
		return false, fmt.Errorf("update %s: %v: %w", id, err, ErrRequeue)
	}

	last, _ := o.LastChange()
	if err := ks.pub.PublishStatus(ctx, domain.StatusEvent{
		OrderID:   id,
		OldStatus: prev,
		NewStatus: o.Status,
		ChangedBy: ks.cfg.WorkerName,
		Timestamp: last.At,
	}); err != nil {
		// статус уже записан, повторная доставка его не потеряет
		ks.log.Error("status_broadcast_failed", err, map[string]any{"order_id": id, "status": string(o.Status)})
	}
	return true, nil
}
