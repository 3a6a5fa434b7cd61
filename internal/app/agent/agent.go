// Package agent runs the on-device side of order tracking: it follows order
// rooms, samples the device position while an order needs it and reports
// every change to the order API.
package agent

import (
	"context"
	"errors"
	"fmt"

	"order-tracking/internal/apiclient"
	"order-tracking/internal/app/realtime"
	"order-tracking/internal/common/config"
	"order-tracking/internal/common/httpx"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/order"
	"order-tracking/internal/routing"
	"order-tracking/internal/sampler"
	"order-tracking/internal/tracking"
)

type Options struct {
	// OrderIDs are tracked at startup.
	OrderIDs []string
	// TrackPath replays a recorded route instead of accepting pushed fixes.
	TrackPath string
	Port      int
}

func Run(ctx context.Context, cfg config.App, opts Options, lg *logger.Logger) error {
	ch, ts, err := realtime.Open(ctx, cfg, "courier", nil, lg)
	if err != nil {
		return err
	}
	defer ch.Close()

	var (
		src  sampler.Source
		feed *sampler.FeedSource
	)
	if opts.TrackPath != "" {
		track, err := sampler.LoadTrack(opts.TrackPath)
		if err != nil {
			return fmt.Errorf("load track: %w", err)
		}
		src = sampler.NewReplaySource(track, nil)
	} else {
		feed = sampler.NewFeedSource()
		src = feed
	}

	rings, err := cfg.Proximity.RingSet()
	if err != nil {
		return err
	}
	api := apiclient.New(cfg.API.BaseURL, ts, cfg.API.Timeout)
	m := tracking.NewManager(ch, api, tracking.Config{
		Source:  src,
		Sampler: sampler.Config{MaxAccuracyMeters: cfg.Sampler.MaxAccuracyMeters},
		Options: sampler.Options{
			HighAccuracy: cfg.Sampler.HighAccuracy,
			MaxAge:       cfg.Sampler.MaxAge,
			Timeout:      cfg.Sampler.Timeout,
		},
		Rings:             rings,
		Router:            routing.New(cfg.Routing.BaseURL, cfg.Routing.Timeout, cfg.Routing.AvgSpeedKmh),
		MinMovementMeters: cfg.Proximity.MinMovementMeters,
		ChangedBy:         ch.ClientID(),
	}, lg)
	defer func() {
		if err := m.Close(context.WithoutCancel(ctx)); err != nil {
			lg.Error("tracking_close_failed", err, nil)
		}
	}()

	stopObs := m.Observe(func(s tracking.Snapshot) {
		f := map[string]any{"order_id": s.OrderID, "status": string(s.Status), "state": s.State.String()}
		if s.Fact != nil {
			f["distance_m"] = s.Fact.DistanceMeters
			f["ring"] = s.Fact.RingTag
		}
		lg.Debug("tracking_snapshot", f)
	})
	defer stopObs()

	for _, id := range opts.OrderIDs {
		if err := follow(ctx, m, api, id); err != nil {
			lg.Error("order_follow_failed", err, map[string]any{"order_id": id})
		}
	}

	ctl := NewControl(m, feed, api.FetchOrder, lg)
	srv := httpx.New(fmt.Sprintf(":%d", opts.Port), ctl.Routes())
	lg.Info("agent_started", map[string]any{"client_id": ch.ClientID(), "port": opts.Port, "orders": len(opts.OrderIDs)})
	return srv.Run(ctx)
}

// follow starts sampling for an order whose status needs it and otherwise
// only joins its room.
func follow(ctx context.Context, m *tracking.Manager, api *apiclient.Client, id string) error {
	o, err := api.FetchOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.RequiresTracking(o.Status) {
		_, err = m.StartFor(ctx, o)
		var le *sampler.LocationError
		if errors.As(err, &le) && le.Recoverable() {
			// сессия остаётся в Error, её можно перезапустить через /retry
			return nil
		}
		return err
	}
	_, err = m.Watch(ctx, o)
	return err
}
