// Package routing talks to an OSRM-compatible route service.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"order-tracking/internal/domain"
	"order-tracking/internal/proximity"
)

var ErrNoRoute = errors.New("no route found")

type Client struct {
	baseURL string
	profile string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

func (c *Client) Route(ctx context.Context, origin, destination domain.Coordinates) (proximity.Route, error) {
	url := fmt.Sprintf("%s/route/v1/%s/%f,%f;%f,%f?overview=simplified&geometries=polyline",
		c.baseURL, c.profile, origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return proximity.Route{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return proximity.Route{}, fmt.Errorf("route request: %w", err)
	}
	defer resp.Body.Close()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return proximity.Route{}, fmt.Errorf("route decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || body.Code != "Ok" {
		return proximity.Route{}, fmt.Errorf("route %s: %s: %w", body.Code, body.Message, ErrNoRoute)
	}
	if len(body.Routes) == 0 {
		return proximity.Route{}, ErrNoRoute
	}
	r := body.Routes[0]
	return proximity.Route{EtaSeconds: r.Duration, DistanceMeters: r.Distance, Polyline: r.Geometry}, nil
}

// StraightLine estimates travel time over the great-circle distance at a
// fixed average speed. It is used when no route service is configured.
type StraightLine struct {
	SpeedKmh float64
}

const defaultSpeedKmh = 40.0

func (s StraightLine) Route(_ context.Context, origin, destination domain.Coordinates) (proximity.Route, error) {
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = defaultSpeedKmh
	}
	d := proximity.Distance(origin, destination)
	return proximity.Route{
		EtaSeconds:     d / (speed * 1000 / 3600),
		DistanceMeters: d,
	}, nil
}

// New picks the OSRM client when baseURL is set and the straight-line estimator otherwise.
func New(baseURL string, timeout time.Duration, avgSpeedKmh float64) proximity.Router {
	if baseURL == "" {
		return StraightLine{SpeedKmh: avgSpeedKmh}
	}
	return NewClient(baseURL, timeout)
}
