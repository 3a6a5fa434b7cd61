package tracking

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
	"order-tracking/internal/order"
	"order-tracking/internal/proximity"
	"order-tracking/internal/sampler"
	"order-tracking/internal/syncchan"
)

var (
	ErrNoSession = errors.New("order is not tracked")
	ErrClosed    = errors.New("tracking manager closed")
)

// Backend is the persistence/API collaborator. Every local mutation is
// confirmed by it before being published.
type Backend interface {
	PostTransition(ctx context.Context, orderID string, to domain.Status, note string) (domain.Order, error)
	PostCancel(ctx context.Context, orderID, reason string) (domain.Order, error)
	PostVerifyPickup(ctx context.Context, orderID, code string) (domain.Order, error)
	PostPositionUpdate(ctx context.Context, orderID string, s domain.PositionSample) (domain.PositionUpdateResult, error)
}

type Config struct {
	Source            sampler.Source
	Sampler           sampler.Config
	Options           sampler.Options
	Rings             proximity.Rings
	Router            proximity.Router
	MinMovementMeters float64
	// ChangedBy identifies this device in status history.
	ChangedBy string
}

type Manager struct {
	cfg     Config
	ch      *syncchan.Channel
	backend Backend
	log     *logger.Logger

	bg       context.Context
	cancelBg context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*Session
	observers map[int]func(Snapshot)
	nextObs   int
	closed    bool
}

func NewManager(ch *syncchan.Channel, backend Backend, cfg Config, lg *logger.Logger) *Manager {
	if lg == nil {
		lg = logger.Nop()
	}
	if len(cfg.Rings) == 0 {
		cfg.Rings = proximity.DefaultRings()
	}
	if cfg.ChangedBy == "" {
		cfg.ChangedBy = "tracking-agent"
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		ch:        ch,
		backend:   backend,
		log:       lg,
		bg:        bg,
		cancelBg:  cancel,
		sessions:  make(map[string]*Session),
		observers: make(map[int]func(Snapshot)),
	}
}

// Watch subscribes to o's room without sampling. Remote status events for
// the order are applied from then on.
func (m *Manager) Watch(ctx context.Context, o domain.Order) (*Session, error) {
	return m.ensure(ctx, o)
}

// StartFor starts tracking o when its status requires it. Calling it for an
// order already being tracked returns the existing session.
func (m *Manager) StartFor(ctx context.Context, o domain.Order) (*Session, error) {
	if !order.RequiresTracking(o.Status) {
		return nil, nil
	}
	s, err := m.ensure(ctx, o)
	if err != nil {
		return nil, err
	}
	return s, m.startSampling(ctx, s)
}

func (m *Manager) ensure(ctx context.Context, o domain.Order) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[o.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := &Session{
		orderID:   o.ID,
		order:     o,
		state:     Idle,
		sampler:   sampler.New(m.cfg.Source, m.cfg.Sampler, m.log.With(map[string]any{"order_id": o.ID})),
		estimator: proximity.NewEstimator(m.cfg.Router, m.cfg.MinMovementMeters),
	}
	m.sessions[o.ID] = s
	m.mu.Unlock()

	unsub := m.ch.Subscribe(o.ID, m.handler(s))
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	if err := m.ch.Join(ctx, o.ID); err != nil {
		m.log.Warn("room_join_deferred", map[string]any{"order_id": o.ID, "error": err.Error()})
	}
	m.log.Info("session_created", map[string]any{"order_id": o.ID, "status": string(o.Status)})
	m.notify(s)
	return s, nil
}

func (m *Manager) startSampling(ctx context.Context, s *Session) error {
	s.mu.Lock()
	if s.state == Active || s.state == Starting {
		s.mu.Unlock()
		return nil
	}
	s.state = Starting
	s.err = nil
	s.mu.Unlock()
	m.notify(s)

	h, err := s.sampler.Start(ctx, m.cfg.Options, m.onSample(s), m.onError(s))

	s.mu.Lock()
	if err != nil {
		var le *sampler.LocationError
		if !errors.As(err, &le) {
			le = &sampler.LocationError{Kind: sampler.PositionUnavailable, Err: err}
		}
		s.state = Error
		s.err = le
		s.mu.Unlock()
		m.log.Error("sampler_start_failed", err, map[string]any{"order_id": s.orderID, "kind": le.Kind.String()})
		m.notify(s)
		return le
	}
	s.handle = h
	s.state = Active
	s.live.Store(true)
	s.mu.Unlock()

	m.log.Info("tracking_started", map[string]any{"order_id": s.orderID})
	m.notify(s)
	return nil
}

// Retry restarts sampling for a session in the Error state.
func (m *Manager) Retry(ctx context.Context, orderID string) error {
	s := m.session(orderID)
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	if s.state != Error {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	s.handle = nil
	s.state = Idle
	s.mu.Unlock()
	h.Stop()
	return m.startSampling(ctx, s)
}

// StopFor stops tracking orderID and leaves its room. Stopping an order
// that was never started is a no-op.
func (m *Manager) StopFor(ctx context.Context, orderID string) error {
	m.mu.Lock()
	s, ok := m.sessions[orderID]
	delete(m.sessions, orderID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.live.Store(false)
	s.mu.Lock()
	s.state = Stopping
	h, unsub := s.handle, s.unsubscribe
	s.handle, s.unsubscribe = nil, nil
	s.mu.Unlock()
	m.notify(s)

	h.Stop()
	if unsub != nil {
		unsub()
	}
	err := m.ch.Leave(ctx, orderID)

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	m.log.Info("tracking_stopped", map[string]any{"order_id": orderID})
	m.notify(s)
	return err
}

// Close stops every session and waits for in-flight work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := slices.Sorted(maps.Keys(m.sessions))
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopFor(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	m.cancelBg()
	m.mu.Unlock()
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) Snapshot(orderID string) (Snapshot, bool) {
	s := m.session(orderID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// Observe registers fn for every snapshot change. The returned func
// removes it.
func (m *Manager) Observe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(s *Session) {
	snap := s.Snapshot()
	m.mu.Lock()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, id := range slices.Sorted(maps.Keys(m.observers)) {
		fns = append(fns, m.observers[id])
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (m *Manager) session(orderID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[orderID]
}

func (m *Manager) goAsync(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.bg.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.bg, 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
