package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
)

const DefaultMaxAccuracyMeters = 100

type Options struct {
	HighAccuracy bool
	MaxAge       time.Duration
	Timeout      time.Duration
}

// Fix is one raw reading from a Source.
type Fix struct {
	Lat       float64
	Lng       float64
	Accuracy  float64
	Speed     *float64
	Heading   *float64
	Timestamp time.Time
}

func (f Fix) Sample() domain.PositionSample {
	return domain.PositionSample{
		Coordinates:    domain.Coordinates{Lat: f.Lat, Lng: f.Lng},
		AccuracyMeters: f.Accuracy,
		SpeedMps:       f.Speed,
		HeadingDegrees: f.Heading,
		CapturedAt:     f.Timestamp,
	}
}

// Source is the platform location API. fn receives either a fix or an
// error, never both.
type Source interface {
	Watch(ctx context.Context, opts Options, fn func(Fix, error)) (stop func(), err error)
	Current(ctx context.Context, opts Options) (Fix, error)
}

type Config struct {
	MaxAccuracyMeters float64
	Clock             func() time.Time
}

type Sampler struct {
	src Source
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	handle *Handle
}

func New(src Source, cfg Config, lg *logger.Logger) *Sampler {
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = DefaultMaxAccuracyMeters
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Sampler{src: src, cfg: cfg, log: lg}
}

// Start begins continuous sampling. While a handle is active, further calls
// return it unchanged.
func (s *Sampler) Start(ctx context.Context, opts Options, onSample func(domain.PositionSample), onError func(*LocationError)) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && s.handle.Active() {
		return s.handle, nil
	}
	if s.src == nil {
		return nil, &LocationError{Kind: Unsupported, Err: ErrNoSource}
	}
	if onError == nil {
		onError = func(*LocationError) {}
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		s:        s,
		opts:     opts,
		onSample: onSample,
		onError:  onError,
		cancel:   cancel,
	}
	h.active.Store(true)
	if opts.Timeout > 0 {
		h.watchdog = time.AfterFunc(opts.Timeout, h.timedOut)
	}

	stop, err := s.src.Watch(wctx, opts, h.receive)
	if err != nil {
		h.active.Store(false)
		if h.watchdog != nil {
			h.watchdog.Stop()
		}
		cancel()
		return nil, asLocationError(err)
	}
	h.stopWatch = stop

	s.handle = h
	s.log.Debug("sampler_started", map[string]any{"high_accuracy": opts.HighAccuracy, "max_age": opts.MaxAge.String()})
	return h, nil
}

// Handle is the single active location subscription of a Sampler.
type Handle struct {
	s        *Sampler
	opts     Options
	onSample func(domain.PositionSample)
	onError  func(*LocationError)

	active    atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	stopWatch func()
	watchdog  *time.Timer

	mu       sync.Mutex
	last     time.Time
	hasLast  bool
	accepted int
	dropped  int
}

func (h *Handle) Active() bool { return h != nil && h.active.Load() }

// Stop releases the subscription. Safe to call more than once.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.active.Store(false)
		if h.watchdog != nil {
			h.watchdog.Stop()
		}
		if h.stopWatch != nil {
			h.stopWatch()
		}
		h.cancel()
		h.s.log.Debug("sampler_stopped", map[string]any{"accepted": h.Accepted()})
	})
}

func (h *Handle) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

func (h *Handle) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Handle) receive(f Fix, err error) {
	if !h.active.Load() {
		return
	}
	if h.watchdog != nil {
		h.watchdog.Reset(h.opts.Timeout)
	}
	if err != nil {
		le := asLocationError(err)
		h.s.log.Warn("location_error", map[string]any{"kind": le.Kind.String(), "recoverable": le.Recoverable()})
		h.onError(le)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active.Load() {
		return
	}
	if reason := h.reject(f); reason != "" {
		h.dropped++
		h.s.log.Debug("sample_dropped", map[string]any{"reason": reason, "accuracy": f.Accuracy, "captured_at": f.Timestamp})
		return
	}
	h.last = f.Timestamp
	h.hasLast = true
	h.accepted++
	if h.onSample != nil {
		h.onSample(f.Sample())
	}
}

func (h *Handle) reject(f Fix) string {
	if f.Accuracy > h.s.cfg.MaxAccuracyMeters {
		return "accuracy"
	}
	if h.hasLast && !f.Timestamp.After(h.last) {
		return "not_newer"
	}
	if h.opts.MaxAge > 0 && h.s.cfg.Clock().Sub(f.Timestamp) > h.opts.MaxAge {
		return "too_old"
	}
	return ""
}

func (h *Handle) timedOut() {
	if !h.active.Load() {
		return
	}
	h.onError(&LocationError{Kind: Timeout})
	h.watchdog.Reset(h.opts.Timeout)
}
