// Package config assembles service configuration from an optional YAML file
// overridden by environment variables. Environment wins so container
// deployments can tweak a baked-in file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"vitalmesh/internal/fault"
)

// Email holds the SMTP settings for the email notification channel.
type Email struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	From     string `yaml:"from"`
	FromName string `yaml:"fromName"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the full configuration shared by the three services. Each
// service reads the subset it needs.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
	// Env selects the runtime profile: "development" or "production".
	Env string `yaml:"env"`
	// NodeID identifies this node in score events and consensus records.
	NodeID string `yaml:"nodeId"`
	// DataDir is the root for the sqlite stores.
	DataDir string `yaml:"dataDir"`
	// AMQPURL is the broker address. Empty in development selects the
	// in-memory bus.
	AMQPURL string `yaml:"amqpUrl"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`
	// ScoreServiceURL is where the ingestion service triggers calculations.
	ScoreServiceURL string `yaml:"scoreServiceUrl"`
	// AlertServiceURL is where sensor-sourced alerts are raised.
	AlertServiceURL string `yaml:"alertServiceUrl"`
	Email           Email  `yaml:"email"`
}

// Defaults is the development-profile baseline.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "node-local"
	}
	return Config{
		Port:            3000,
		Env:             "development",
		NodeID:          hostname,
		DataDir:         "/var/lib/vitalmesh",
		LogLevel:        "info",
		ScoreServiceURL: "http://localhost:3001",
		AlertServiceURL: "http://localhost:3002",
		Email:           Email{Port: 587},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fault.Invalid("PORT %q is not a number", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	// DB_PATH is the canonical name; MONGODB_URI is accepted for
	// compatibility with older deployment manifests.
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DataDir = v
	} else if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EWS_SERVICE_URL"); v != "" {
		cfg.ScoreServiceURL = v
	}
	// ALERT_ENGINE_URL is the older name for the same option; the newer
	// ALERT_SERVICE_URL wins when both are set.
	if v := os.Getenv("ALERT_ENGINE_URL"); v != "" {
		cfg.AlertServiceURL = v
	}
	if v := os.Getenv("ALERT_SERVICE_URL"); v != "" {
		cfg.AlertServiceURL = v
	}
	if v := os.Getenv("EMAIL_HOST"); v != "" {
		cfg.Email.Host = v
	}
	if v := os.Getenv("EMAIL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fault.Invalid("EMAIL_PORT %q is not a number", v)
		}
		cfg.Email.Port = p
	}
	if v := os.Getenv("EMAIL_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fault.Invalid("EMAIL_SECURE %q is not a boolean", v)
		}
		cfg.Email.Secure = secure
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("EMAIL_FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.Email.Username = v
	}
	if v := os.Getenv("EMAIL_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	return nil
}

// Validate rejects configurations no service can run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fault.Invalid("port %d outside 1-65535", c.Port)
	}
	if c.Env != "development" && c.Env != "production" {
		return fault.Invalid("env %q must be development or production", c.Env)
	}
	if c.NodeID == "" {
		return fault.Invalid("nodeId is required")
	}
	if c.DataDir == "" {
		return fault.Invalid("dataDir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fault.Invalid("logLevel %q must be debug, info, warn or error", c.LogLevel)
	}
	if c.Env == "production" && c.AMQPURL == "" {
		return fault.Invalid("amqpUrl is required in production")
	}
	return nil
}
