package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PositionTTL time.Duration
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type TrackingConfig struct {
	MaxAge            time.Duration
	Timeout           time.Duration
	Ambient           bool
	ReconcileInterval time.Duration
	BreakdownTimeout  time.Duration
}

type RealtimeConfig struct {
	Buffer       int
	PollInterval time.Duration
	TrailLimit   int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Redis       RedisConfig
	AMQP        AMQPConfig
	Tracking    TrackingConfig
	Realtime    RealtimeConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	v.SetDefault("POSITION_CACHE_TTL", 10*time.Minute)
	v.SetDefault("AMQP_EXCHANGE", "fleet.changes")
	v.SetDefault("TRACKING_MAX_AGE", 30*time.Second)
	v.SetDefault("TRACKING_TIMEOUT", 20*time.Second)
	v.SetDefault("TRACKING_RECONCILE_INTERVAL", time.Minute)
	v.SetDefault("BREAKDOWN_GPS_TIMEOUT", 3*time.Second)
	v.SetDefault("REALTIME_BUFFER", 64)
	v.SetDefault("POSITION_POLL_INTERVAL", 15*time.Second)
	v.SetDefault("POSITION_TRAIL_LIMIT", 500)

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Redis: RedisConfig{
			Addr:        v.GetString("REDIS_ADDR"),
			Password:    v.GetString("REDIS_PASSWORD"),
			DB:          v.GetInt("REDIS_DB"),
			PositionTTL: v.GetDuration("POSITION_CACHE_TTL"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("AMQP_URL"),
			Exchange: v.GetString("AMQP_EXCHANGE"),
		},
		Tracking: TrackingConfig{
			MaxAge:            v.GetDuration("TRACKING_MAX_AGE"),
			Timeout:           v.GetDuration("TRACKING_TIMEOUT"),
			Ambient:           v.GetBool("TRACKING_AMBIENT"),
			ReconcileInterval: v.GetDuration("TRACKING_RECONCILE_INTERVAL"),
			BreakdownTimeout:  v.GetDuration("BREAKDOWN_GPS_TIMEOUT"),
		},
		Realtime: RealtimeConfig{
			Buffer:       v.GetInt("REALTIME_BUFFER"),
			PollInterval: v.GetDuration("POSITION_POLL_INTERVAL"),
			TrailLimit:   v.GetInt("POSITION_TRAIL_LIMIT"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 7090
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Realtime.Buffer <= 0 {
		cfg.Realtime.Buffer = 64
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.Tracking.MaxAge <= 0 || cfg.Tracking.Timeout <= 0 {
		return fmt.Errorf("TRACKING_MAX_AGE and TRACKING_TIMEOUT must be positive")
	}
	if cfg.Realtime.PollInterval <= 0 {
		return fmt.Errorf("POSITION_POLL_INTERVAL must be positive")
	}
	return nil
}
