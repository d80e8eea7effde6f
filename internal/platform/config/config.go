package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Bus backends for cross-instance fan-out.
const (
	BusNone  = "none"
	BusRedis = "redis"
	BusNATS  = "nats"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`
	AppURL string `env:"APP_URL" default:"http://localhost:8080"`
	// AllowedOrigins lists further browser origins, comma separated.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`
	InstanceID     string `env:"INSTANCE_ID"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	MaxMessageBytes      int64         `env:"MAX_MESSAGE_BYTES" default:"65536"`
	MessageRate          float64       `env:"MESSAGE_RATE" default:"20"`
	MessageBurst         int           `env:"MESSAGE_BURST" default:"40"`
	SendBufferSize       int           `env:"SEND_BUFFER_SIZE" default:"16"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	PingInterval         time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout          time.Duration `env:"PONG_TIMEOUT" default:"60s"`
	BroadcastConcurrency int           `env:"BROADCAST_CONCURRENCY" default:"64"`

	BusBackend        string        `env:"BUS_BACKEND" default:"none"`
	RedisURL          string        `env:"REDIS_URL"`
	NATSURL           string        `env:"NATS_URL"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"15s"`
	InstanceTTL       time.Duration `env:"INSTANCE_TTL" default:"60s"`

	CentrifugeEnabled bool `env:"CENTRIFUGE_ENABLED" default:"false"`

	GatewayEndpoint string        `env:"GATEWAY_ENDPOINT"`
	GatewayToken    string        `env:"GATEWAY_TOKEN"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" default:"5s"`

	APIRate  float64 `env:"API_RATE" default:"20"`
	APIBurst int     `env:"API_BURST" default:"40"`
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// ExtraOrigins splits AllowedOrigins, dropping blanks.
func (c *Config) ExtraOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.BusBackend = strings.ToLower(strings.TrimSpace(cfg.BusBackend))
	if cfg.BusBackend == "" {
		cfg.BusBackend = BusNone
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.BusBackend {
	case BusNone:
	case BusRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when BUS_BACKEND=redis")
		}
	case BusNATS:
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required when BUS_BACKEND=nats")
		}
	default:
		return fmt.Errorf("BUS_BACKEND must be one of none, redis, nats; got %q", cfg.BusBackend)
	}

	positive := map[string]float64{
		"MAX_WEBSOCKET_CONNECTIONS": float64(cfg.MaxWebSocketConnections),
		"MAX_CONNECTIONS_PER_IP":    float64(cfg.MaxConnectionsPerIP),
		"CONNECTION_RATE":           cfg.ConnectionRate,
		"CONNECTION_BURST":          float64(cfg.ConnectionBurst),
		"MAX_MESSAGE_BYTES":         float64(cfg.MaxMessageBytes),
		"MESSAGE_RATE":              cfg.MessageRate,
		"MESSAGE_BURST":             float64(cfg.MessageBurst),
		"SEND_BUFFER_SIZE":          float64(cfg.SendBufferSize),
		"BROADCAST_CONCURRENCY":     float64(cfg.BroadcastConcurrency),
		"API_RATE":                  cfg.APIRate,
		"API_BURST":                 float64(cfg.APIBurst),
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.PongTimeout <= cfg.PingInterval {
		return errors.New("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}
	if cfg.InstanceTTL <= cfg.HeartbeatInterval {
		return errors.New("INSTANCE_TTL must be greater than HEARTBEAT_INTERVAL")
	}

	if cfg.GatewayToken != "" && cfg.GatewayEndpoint == "" {
		return errors.New("GATEWAY_TOKEN requires GATEWAY_ENDPOINT")
	}

	return nil
}
