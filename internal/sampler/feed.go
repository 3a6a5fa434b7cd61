package sampler

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// FeedSource is a push-fed Source: fixes arrive from an HTTP endpoint
// (see the agent position feed) or from test code.
type FeedSource struct {
	mu       sync.Mutex
	watchers map[int]func(Fix, error)
	next     int
	last     *Fix
	denied   error
}

func NewFeedSource() *FeedSource {
	return &FeedSource{watchers: make(map[int]func(Fix, error))}
}

func (f *FeedSource) Watch(ctx context.Context, _ Options, fn func(Fix, error)) (func(), error) {
	f.mu.Lock()
	if f.denied != nil {
		err := f.denied
		f.mu.Unlock()
		return nil, err
	}
	id := f.next
	f.next++
	f.watchers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (f *FeedSource) Current(ctx context.Context, _ Options) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, &LocationError{Kind: Timeout, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied != nil {
		return Fix{}, f.denied
	}
	if f.last == nil {
		return Fix{}, &LocationError{Kind: PositionUnavailable}
	}
	return *f.last, nil
}

// Push delivers fix to every watcher in registration order.
func (f *FeedSource) Push(fix Fix) {
	f.mu.Lock()
	c := fix
	f.last = &c
	fns := f.snapshot()
	f.mu.Unlock()
	for _, fn := range fns {
		fn(fix, nil)
	}
}

// Fail reports err to every watcher.
func (f *FeedSource) Fail(err error) {
	f.mu.Lock()
	fns := f.snapshot()
	f.mu.Unlock()
	for _, fn := range fns {
		fn(Fix{}, err)
	}
}

// Deny makes subsequent Watch and Current calls fail with PermissionDenied
// until Allow is called.
func (f *FeedSource) Deny() {
	f.mu.Lock()
	f.denied = &LocationError{Kind: PermissionDenied}
	f.mu.Unlock()
}

func (f *FeedSource) Allow() {
	f.mu.Lock()
	f.denied = nil
	f.mu.Unlock()
}

func (f *FeedSource) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *FeedSource) snapshot() []func(Fix, error) {
	ids := slices.Sorted(maps.Keys(f.watchers))
	out := make([]func(Fix, error), len(ids))
	for i, id := range ids {
		out[i] = f.watchers[id]
	}
	return out
}
