package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCROOM"

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	SigningKey     []byte
	DatabaseDSN    string
	Migrate        bool
	Redis          RedisConfig
	Rooms          RoomsConfig
	Gateway        GatewayConfig
	Limits         LimitsConfig
	Log            LogConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type RoomsConfig struct {
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	MaxExtrapolation time.Duration
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration
}

type LimitsConfig struct {
	RoomCreatePerHour int
	EventsPerMinute   int
	JoinsPerMinute    int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rooms.idle_timeout", time.Hour)
	v.SetDefault("rooms.sweep_interval", 5*time.Minute)
	v.SetDefault("rooms.max_extrapolation", 30*time.Second)
	v.SetDefault("gateway.heartbeat_interval", 25*time.Second)
	v.SetDefault("limits.room_create_per_hour", 5)
	v.SetDefault("limits.events_per_minute", 120)
	v.SetDefault("limits.joins_per_minute", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from the optional yaml file at path, then
// applies SYNCROOM_* environment overrides (SYNCROOM_SERVER_ADDR for
// server.addr) on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	key := v.GetString("auth.signing_key")
	if key == "" {
		return nil, errors.New("signing key cannot be empty")
	}

	signingKey, err := decodeSigningSecret(key)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     v.GetString("server.addr"),
		AllowedOrigins: splitOrigins(v.GetStringSlice("server.allowed_origins")),
		SigningKey:     signingKey,
		DatabaseDSN:    v.GetString("database.dsn"),
		Migrate:        v.GetBool("database.migrate"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Rooms: RoomsConfig{
			IdleTimeout:      v.GetDuration("rooms.idle_timeout"),
			SweepInterval:    v.GetDuration("rooms.sweep_interval"),
			MaxExtrapolation: v.GetDuration("rooms.max_extrapolation"),
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: v.GetDuration("gateway.heartbeat_interval"),
		},
		Limits: LimitsConfig{
			RoomCreatePerHour: v.GetInt("limits.room_create_per_hour"),
			EventsPerMinute:   v.GetInt("limits.events_per_minute"),
			JoinsPerMinute:    v.GetInt("limits.joins_per_minute"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return errors.New("database DSN cannot be empty")
	}
	if len(c.SigningKey) == 0 {
		return errors.New("signing key cannot be empty")
	}

	durations := map[string]time.Duration{
		"rooms.idle_timeout":         c.Rooms.IdleTimeout,
		"rooms.sweep_interval":       c.Rooms.SweepInterval,
		"rooms.max_extrapolation":    c.Rooms.MaxExtrapolation,
		"gateway.heartbeat_interval": c.Gateway.HeartbeatInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	limits := map[string]int{
		"limits.room_create_per_hour": c.Limits.RoomCreatePerHour,
		"limits.events_per_minute":    c.Limits.EventsPerMinute,
		"limits.joins_per_minute":     c.Limits.JoinsPerMinute,
	}
	for key, n := range limits {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}

	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// splitOrigins accepts both a yaml list and a comma separated env value.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
