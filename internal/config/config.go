package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	ReplicaRole     string        `mapstructure:"REPLICA_ROLE"`
	ReplicaID       string        `mapstructure:"REPLICA_ID"`
	ConversationID  string        `mapstructure:"CONVERSATION_ID"`
	RelayURL        string        `mapstructure:"RELAY_URL"`
	RelayPort       string        `mapstructure:"RELAY_PORT"`
	SyncBacklog     int           `mapstructure:"SYNC_BACKLOG"`
	AnalysisURL     string        `mapstructure:"ANALYSIS_URL"`
	AnalysisTimeout time.Duration `mapstructure:"ANALYSIS_TIMEOUT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("CONVERSATION_ID", "shared-medical-messages-v1")
	v.SetDefault("RELAY_PORT", "8090")
	v.SetDefault("SYNC_BACKLOG", 4096)
	v.SetDefault("ANALYSIS_URL", "http://127.0.0.1:8000")
	v.SetDefault("ANALYSIS_TIMEOUT", "30s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("REPLICA_ROLE")
	v.BindEnv("REPLICA_ID")
	v.BindEnv("CONVERSATION_ID")
	v.BindEnv("RELAY_URL")
	v.BindEnv("RELAY_PORT")
	v.BindEnv("SYNC_BACKLOG")
	v.BindEnv("ANALYSIS_URL")
	v.BindEnv("ANALYSIS_TIMEOUT")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasJournal reports whether a durable mutation journal is configured.
// Without one the replica runs memory-only and re-converges from the relay
// backlog after a restart.
func (c *Config) HasJournal() bool {
	return c.DatabaseURL != ""
}

// HasRelay reports whether the replica should connect to a sync relay.
// Without one it is a standalone replica.
func (c *Config) HasRelay() bool {
	return c.RelayURL != ""
}

// ValidateForServe checks the settings the serve command cannot run
// without.
func (c *Config) ValidateForServe() error {
	switch c.ReplicaRole {
	case "doctor", "patient", "lab":
	case "":
		return fmt.Errorf("REPLICA_ROLE is required (doctor, patient or lab)")
	default:
		return fmt.Errorf("REPLICA_ROLE must be doctor, patient or lab, got %q", c.ReplicaRole)
	}
	if c.ConversationID == "" {
		return fmt.Errorf("CONVERSATION_ID must not be empty")
	}
	return nil
}
