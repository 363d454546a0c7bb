package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Decision    DecisionConfig    `yaml:"decision"`
	Guardian    GuardianConfig    `yaml:"guardian"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Agents      AgentsConfig      `yaml:"agents"`
	Events      EventsConfig      `yaml:"events"`
	Redis       RedisConfig       `yaml:"redis"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DecisionConfig struct {
	HistorySize int `yaml:"history_size"`
}

type GuardianConfig struct {
	DefaultGuardianID string `yaml:"default_guardian_id"`
}

type LedgerConfig struct {
	// Backend selects the store: memory, file, or postgres.
	Backend     string `yaml:"backend"`
	FilePath    string `yaml:"file_path"`
	DatabaseURL string `yaml:"database_url"`

	// AuditMirror enables async gRPC mirroring of approvals.
	AuditMirror bool   `yaml:"audit_mirror"`
	AuditTarget string `yaml:"audit_target"`
}

type DiagnosticsConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	DiskPath        string `yaml:"disk_path"`
	EnableHealing   bool   `yaml:"enable_healing"`
}

type AgentsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebhooksConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Decision: DecisionConfig{HistorySize: 1000},
		Guardian: GuardianConfig{DefaultGuardianID: "guardian_primary"},
		Ledger:   LedgerConfig{Backend: "memory"},
		Diagnostics: DiagnosticsConfig{
			IntervalSeconds: 30,
			DiskPath:        "/",
			EnableHealing:   true,
		},
		Agents:   AgentsConfig{Enabled: true},
		Events:   EventsConfig{PubSubTopic: "aegis-events"},
		Webhooks: WebhooksConfig{Workers: 4},
	}
}

// LoadConfig reads the YAML file at path, then applies environment
// overrides. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment environments override file settings.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("LEDGER_BACKEND"); v != "" {
		c.Ledger.Backend = v
	}
	if v := os.Getenv("LEDGER_FILE"); v != "" {
		c.Ledger.FilePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Ledger.DatabaseURL = v
		if c.Ledger.Backend == "" || c.Ledger.Backend == "memory" {
			c.Ledger.Backend = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		c.Events.PubSubProject = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.Events.PubSubTopic = v
	}
	if v := os.Getenv("GUARDIAN_ID"); v != "" {
		c.Guardian.DefaultGuardianID = v
	}
}

// DiagnosticsInterval returns the check interval as a duration.
func (c *Config) DiagnosticsInterval() time.Duration {
	if c.Diagnostics.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Diagnostics.IntervalSeconds) * time.Second
}
