package config

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/go-playground/validator/v10"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"order-tracking/internal/common/db"
	"order-tracking/internal/common/mq"
	"order-tracking/internal/proximity"
)

type Realtime struct {
	// Transport is one of ws, rabbit or memory.
	Transport string        `yaml:"transport" validate:"oneof=ws rabbit memory"`
	URL       string        `yaml:"url" validate:"required_if=Transport ws"`
	JWTSecret string        `yaml:"jwt_secret" validate:"required"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	ClientID  string        `yaml:"client_id"`
}

type Sampler struct {
	HighAccuracy      bool          `yaml:"high_accuracy"`
	MaxAge            time.Duration `yaml:"max_age"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAccuracyMeters float64       `yaml:"max_accuracy_meters" validate:"gte=0"`
}

type Ring struct {
	Threshold float64 `yaml:"threshold" validate:"gt=0"`
	Tag       string  `yaml:"tag" validate:"required"`
}

type Proximity struct {
	Rings             []Ring  `yaml:"rings" validate:"dive"`
	MinMovementMeters float64 `yaml:"min_movement_meters" validate:"gte=0"`
}

// RingSet converts the configured rings, checking their order.
func (p Proximity) RingSet() (proximity.Rings, error) {
	rs := make([]proximity.Ring, 0, len(p.Rings))
	for _, r := range p.Rings {
		rs = append(rs, proximity.Ring{Threshold: r.Threshold, Tag: r.Tag})
	}
	rings, err := proximity.NewRings(rs...)
	if err != nil {
		return nil, fmt.Errorf("proximity rings: %w", err)
	}
	return rings, nil
}

type Routing struct {
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout     time.Duration `yaml:"timeout"`
	AvgSpeedKmh float64       `yaml:"avg_speed_kmh" validate:"gte=0"`
}

type API struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Services struct {
	TrackingService int `yaml:"tracking_service" validate:"gte=0,lte=65535"`
	Agent           int `yaml:"agent" validate:"gte=0,lte=65535"`
}

type App struct {
	Database  db.Config `yaml:"database"`
	Rabbit    mq.Config `yaml:"rabbitmq"`
	Realtime  Realtime  `yaml:"realtime"`
	Sampler   Sampler   `yaml:"sampler"`
	Proximity Proximity `yaml:"proximity"`
	Routing   Routing   `yaml:"routing"`
	API       API       `yaml:"api"`
	Services  Services  `yaml:"services"`
}

// Load reads path, expands ${VAR} references from the environment (after
// loading .env when present), applies defaults and validates the result.
func Load(path string) (App, error) {
	_ = gotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (App, error) {
	expanded, err := envsubst.EvalEnv(string(b))
	if err != nil {
		return App{}, fmt.Errorf("expand env: %w", err)
	}
	var a App
	if err := yaml.Unmarshal([]byte(expanded), &a); err != nil {
		return App{}, fmt.Errorf("decode yaml: %w", err)
	}
	a.applyDefaults()
	if err := validator.New().Struct(a); err != nil {
		return App{}, fmt.Errorf("invalid config: %w", err)
	}
	return a, nil
}

func (a *App) applyDefaults() {
	if a.Database.Port == 0 {
		a.Database.Port = 5432
	}
	if a.Database.SSLMode == "" {
		a.Database.SSLMode = "disable"
	}
	if a.Database.MaxConns == 0 {
		a.Database.MaxConns = 10
	}
	if a.Rabbit.Port == 0 {
		a.Rabbit.Port = 5672
	}
	if a.Realtime.Transport == "" {
		a.Realtime.Transport = "ws"
	}
	if a.Realtime.TokenTTL == 0 {
		a.Realtime.TokenTTL = 15 * time.Minute
	}
	if a.Sampler.MaxAge == 0 {
		a.Sampler.MaxAge = 10 * time.Second
	}
	if a.Sampler.Timeout == 0 {
		a.Sampler.Timeout = 15 * time.Second
	}
	if a.Sampler.MaxAccuracyMeters == 0 {
		a.Sampler.MaxAccuracyMeters = 100
	}
	if len(a.Proximity.Rings) == 0 {
		a.Proximity.Rings = []Ring{{300, "near"}, {1000, "mid"}, {3000, "far"}}
	}
	if a.Proximity.MinMovementMeters == 0 {
		a.Proximity.MinMovementMeters = 50
	}
	if a.Routing.Timeout == 0 {
		a.Routing.Timeout = 5 * time.Second
	}
	if a.Routing.AvgSpeedKmh == 0 {
		a.Routing.AvgSpeedKmh = 40
	}
	if a.API.Timeout == 0 {
		a.API.Timeout = 10 * time.Second
	}
	if a.Services.TrackingService == 0 {
		a.Services.TrackingService = 3002
	}
	if a.Services.Agent == 0 {
		a.Services.Agent = 3003
	}
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
