package sampler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type TrackPoint struct {
	Lat      float64  `yaml:"lat" validate:"latitude"`
	Lng      float64  `yaml:"lng" validate:"longitude"`
	Accuracy float64  `yaml:"accuracy" validate:"gte=0"`
	Speed    *float64 `yaml:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading  *float64 `yaml:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
}

// Track is a recorded route. JSON tracks load too, since YAML is a superset.
type Track struct {
	Interval time.Duration `yaml:"interval"`
	Loop     bool          `yaml:"loop"`
	Points   []TrackPoint  `yaml:"points" validate:"min=1,dive"`
}

func LoadTrack(path string) (Track, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Track{}, err
	}
	return ParseTrack(b)
}

func ParseTrack(b []byte) (Track, error) {
	var t Track
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Track{}, fmt.Errorf("decode track: %w", err)
	}
	if t.Interval <= 0 {
		t.Interval = time.Second
	}
	if err := validator.New().Struct(t); err != nil {
		return Track{}, fmt.Errorf("invalid track: %w", err)
	}
	return t, nil
}

// ReplaySource emits the points of a Track on a ticker, stamped with the
// clock at emission time.
type ReplaySource struct {
	track Track
	clock func() time.Time

	mu  sync.Mutex
	pos int
}

func NewReplaySource(t Track, clock func() time.Time) *ReplaySource {
	if clock == nil {
		clock = time.Now
	}
	return &ReplaySource{track: t, clock: clock}
}

func (r *ReplaySource) Watch(ctx context.Context, _ Options, fn func(Fix, error)) (func(), error) {
	if len(r.track.Points) == 0 {
		return nil, &LocationError{Kind: PositionUnavailable, Err: fmt.Errorf("empty track")}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(r.track.Interval)
		defer t.Stop()
		for {
			fix, ok := r.advance()
			if !ok {
				fn(Fix{}, &LocationError{Kind: PositionUnavailable, Err: fmt.Errorf("track exhausted")})
				return
			}
			fn(fix, nil)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return cancel, nil
}

func (r *ReplaySource) Current(ctx context.Context, _ Options) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, &LocationError{Kind: Timeout, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.pos
	if i >= len(r.track.Points) {
		i = len(r.track.Points) - 1
	}
	if i < 0 {
		return Fix{}, &LocationError{Kind: PositionUnavailable}
	}
	return r.fix(r.track.Points[i]), nil
}

func (r *ReplaySource) advance() (Fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.track.Points) {
		if !r.track.Loop {
			return Fix{}, false
		}
		r.pos = 0
	}
	p := r.track.Points[r.pos]
	r.pos++
	return r.fix(p), true
}

func (r *ReplaySource) fix(p TrackPoint) Fix {
	return Fix{
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: r.clock(),
	}
}
