package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/grpc/health"
	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Grpc     health.Config
	Auth     auth.Config
	Agents   AgentsConfig
	Presence PresenceConfig
	Jobs     jobs.Config
	UI       UIConfig
	DB       db.Config
}

type AgentsConfig struct {
	TokenHash     string        `mapstructure:"token_hash"`
	SendQueueSize int           `mapstructure:"send_queue_size"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

type PresenceConfig struct {
	HeartbeatThreshold time.Duration `mapstructure:"heartbeat_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type UIConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size"`
	TicketTTL     time.Duration `mapstructure:"ticket_ttl"`
}

func (c Config) connectionManagerConfig() agents.Config {
	return agents.Config{
		HeartbeatThreshold: c.Presence.HeartbeatThreshold,
		SweepInterval:      c.Presence.SweepInterval,
		StaleTimeout:       c.Agents.StaleTimeout,
	}
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("auth.jwt_issuer", "silo-fleet")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("agents.send_queue_size", 64)
	viper.SetDefault("agents.stale_timeout", "2m")
	viper.SetDefault("presence.heartbeat_threshold", "30s")
	viper.SetDefault("presence.sweep_interval", "5s")
	viper.SetDefault("jobs.default_timeout", "5m")
	viper.SetDefault("jobs.max_timeout", "1h")
	viper.SetDefault("jobs.retention", "1h")
	viper.SetDefault("ui.send_queue_size", 128)
	viper.SetDefault("ui.ticket_ttl", "30s")
	viper.SetDefault("db.schema", "fleet")
	viper.SetDefault("db.max_conns", 10)
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleet-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	_ = viper.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
	_ = viper.BindEnv("auth.admin_api_key", "AUTH_ADMIN_API_KEY")
	_ = viper.BindEnv("agents.token_hash", "AGENTS_TOKEN_HASH")
	_ = viper.BindEnv("db.url", "DB_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Auth.JWTSecret = redact(redacted.Auth.JWTSecret)
		redacted.Auth.AdminAPIKey = redact(redacted.Auth.AdminAPIKey)
		redacted.DB.Url = redact(redacted.DB.Url)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
