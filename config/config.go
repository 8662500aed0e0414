// Package config loads typed configuration for the dispatch core from
// environment variables (and an optional .env file), with sensible
// defaults so the server boots with zero configuration in development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// DispatchConfig holds every tunable named in the external-interfaces
// configuration-keys list: geo radii, candidate caps, offer/SLA timers,
// scoring weights, surge inputs, and retry policy.
type DispatchConfig struct {
	MatchRadiusM   int `mapstructure:"MATCH_RADIUS_M"`
	MaxCandidates  int `mapstructure:"MAX_CANDIDATES"`
	MaxBatchOrders int `mapstructure:"MAX_BATCH_ORDERS"`

	OfferTimeoutSec int `mapstructure:"OFFER_TIMEOUT_SEC"`

	WDistance float64 `mapstructure:"W_DISTANCE"`
	WRating   float64 `mapstructure:"W_RATING"`
	WFairness float64 `mapstructure:"W_FAIRNESS"`

	WeatherFactor float64 `mapstructure:"WEATHER_FACTOR"`

	OrderAssignTimeoutSec int `mapstructure:"ORDER_ASSIGN_TIMEOUT_SEC"`
	OrderDeliverySLAMin   int `mapstructure:"ORDER_DELIVERY_SLA_MIN"`
	RideAssignTimeoutSec  int `mapstructure:"RIDE_ASSIGN_TIMEOUT_SEC"`
	RideCompleteSLAMin    int `mapstructure:"RIDE_COMPLETE_SLA_MIN"`

	MatchRetryMax      int `mapstructure:"MATCH_RETRY_MAX"`
	MatchRetryDelaySec int `mapstructure:"MATCH_RETRY_DELAY_SEC"`

	CommissionPct float64 `mapstructure:"COMMISSION_PCT"`

	IdempotencyTTLSec int `mapstructure:"IDEMPOTENCY_TTL_SEC"`

	FoodAllowedVehicles []string `mapstructure:"FOOD_ALLOWED_VEHICLES"`

	NotificationMaxRetries int `mapstructure:"NOTIFICATION_MAX_RETRIES"`
}

// RateLimitConfig holds the C10 sliding-window rate-limit parameters.
type RateLimitConfig struct {
	WindowSec   int `mapstructure:"RATE_LIMIT_WINDOW_SEC"`
	MaxRequests int `mapstructure:"RATE_LIMIT_MAX_REQUESTS"`
}

// AuthConfig holds the JWT bearer-token verification secret.
type AuthConfig struct {
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OfferTimeout returns OfferTimeoutSec as a time.Duration.
func (d *DispatchConfig) OfferTimeout() time.Duration {
	return time.Duration(d.OfferTimeoutSec) * time.Second
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "dispatch")
	viper.SetDefault("POSTGRES_PASSWORD", "dispatch_secret")
	viper.SetDefault("POSTGRES_DB", "dispatch_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("MATCH_RADIUS_M", 5000)
	viper.SetDefault("MAX_CANDIDATES", 20)
	viper.SetDefault("MAX_BATCH_ORDERS", 3)
	viper.SetDefault("OFFER_TIMEOUT_SEC", 15)
	viper.SetDefault("W_DISTANCE", 1.0)
	viper.SetDefault("W_RATING", 0.4)
	viper.SetDefault("W_FAIRNESS", 0.2)
	viper.SetDefault("WEATHER_FACTOR", 1.0)
	viper.SetDefault("ORDER_ASSIGN_TIMEOUT_SEC", 600)
	viper.SetDefault("ORDER_DELIVERY_SLA_MIN", 45)
	viper.SetDefault("RIDE_ASSIGN_TIMEOUT_SEC", 300)
	viper.SetDefault("RIDE_COMPLETE_SLA_MIN", 60)
	viper.SetDefault("MATCH_RETRY_MAX", 2)
	viper.SetDefault("MATCH_RETRY_DELAY_SEC", 20)
	viper.SetDefault("COMMISSION_PCT", 0.20)
	viper.SetDefault("IDEMPOTENCY_TTL_SEC", 86400)
	viper.SetDefault("FOOD_ALLOWED_VEHICLES", "BIKE,SCOOTER,CAR")
	viper.SetDefault("NOTIFICATION_MAX_RETRIES", 3)

	viper.SetDefault("RATE_LIMIT_WINDOW_SEC", 60)
	viper.SetDefault("RATE_LIMIT_MAX_REQUESTS", 300)

	viper.SetDefault("JWT_SECRET", "dev-secret-change-me")

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Dispatch ────────────────────────────────────────
	cfg.Dispatch = DispatchConfig{
		MatchRadiusM:           viper.GetInt("MATCH_RADIUS_M"),
		MaxCandidates:          viper.GetInt("MAX_CANDIDATES"),
		MaxBatchOrders:         viper.GetInt("MAX_BATCH_ORDERS"),
		OfferTimeoutSec:        viper.GetInt("OFFER_TIMEOUT_SEC"),
		WDistance:              viper.GetFloat64("W_DISTANCE"),
		WRating:                viper.GetFloat64("W_RATING"),
		WFairness:              viper.GetFloat64("W_FAIRNESS"),
		WeatherFactor:          viper.GetFloat64("WEATHER_FACTOR"),
		OrderAssignTimeoutSec:  viper.GetInt("ORDER_ASSIGN_TIMEOUT_SEC"),
		OrderDeliverySLAMin:    viper.GetInt("ORDER_DELIVERY_SLA_MIN"),
		RideAssignTimeoutSec:   viper.GetInt("RIDE_ASSIGN_TIMEOUT_SEC"),
		RideCompleteSLAMin:     viper.GetInt("RIDE_COMPLETE_SLA_MIN"),
		MatchRetryMax:          viper.GetInt("MATCH_RETRY_MAX"),
		MatchRetryDelaySec:     viper.GetInt("MATCH_RETRY_DELAY_SEC"),
		CommissionPct:          viper.GetFloat64("COMMISSION_PCT"),
		IdempotencyTTLSec:      viper.GetInt("IDEMPOTENCY_TTL_SEC"),
		FoodAllowedVehicles:    splitCSV(viper.GetString("FOOD_ALLOWED_VEHICLES")),
		NotificationMaxRetries: viper.GetInt("NOTIFICATION_MAX_RETRIES"),
	}

	// ── Rate limit ──────────────────────────────────────
	cfg.RateLimit = RateLimitConfig{
		WindowSec:   viper.GetInt("RATE_LIMIT_WINDOW_SEC"),
		MaxRequests: viper.GetInt("RATE_LIMIT_MAX_REQUESTS"),
	}

	// ── Auth ────────────────────────────────────────────
	cfg.Auth = AuthConfig{
		JWTSecret: viper.GetString("JWT_SECRET"),
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
