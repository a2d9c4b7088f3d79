package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Upstream UpstreamConfig `json:"upstream"`
	Limits   LimitsConfig   `json:"limits"`
	Session  SessionConfig  `json:"session"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	Database        string        `json:"database"`
	SSLMode         string        `json:"sslmode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

type UpstreamConfig struct {
	GeminiAPIKey   string `json:"gemini_api_key"`
	GeminiEndpoint string `json:"gemini_endpoint"`
	OpenAIAPIKey   string `json:"openai_api_key"`
	DefaultModel   string `json:"default_model"`
	DefaultVoice   string `json:"default_voice"`
	SystemPrompt   string `json:"system_prompt"`
}

// LimitsConfig drives session admission. Daily capacities are per tier;
// the burst limit is per IP regardless of tier.
type LimitsConfig struct {
	BurstPerMinute int            `json:"burst_per_minute"`
	Daily          map[string]int `json:"daily"`
	BypassTiers    []string       `json:"bypass_tiers"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	MaxPerConnection  int           `json:"max_per_connection"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Check for user config directory
	homeDir, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".apsara"))
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Missing config file is fine; defaults plus env overrides apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 5000)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "apsara")
	viper.SetDefault("database.database", "apsara")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("auth.token_ttl", 24*time.Hour)

	viper.SetDefault("upstream.gemini_endpoint",
		"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent")
	viper.SetDefault("upstream.default_model", "gemini-2.0-flash-exp")
	viper.SetDefault("upstream.default_voice", "Puck")
	viper.SetDefault("upstream.system_prompt", "You are Apsara, a helpful real-time voice assistant.")

	viper.SetDefault("limits.burst_per_minute", 10)
	viper.SetDefault("limits.daily", map[string]int{
		"guest":   3,
		"free":    25,
		"premium": 200,
	})
	viper.SetDefault("limits.bypass_tiers", []string{"enterprise"})

	viper.SetDefault("session.heartbeat_interval", 30*time.Second)
	viper.SetDefault("session.idle_timeout", 10*time.Minute)
	viper.SetDefault("session.sweep_interval", time.Minute)
	viper.SetDefault("session.max_per_connection", 1)
}

func loadEnvOverrides(cfg *Config) {
	if v := os.Getenv("APSARA_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("APSARA_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("APSARA_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Upstream.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Upstream.OpenAIAPIKey = v
	}
}
