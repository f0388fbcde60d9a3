package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"typeauth/internal/keyid"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	KeyID      KeyIDConfig         `json:"keyid" yaml:"keyid"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
	Limits     LimitConfig         `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// KeyIDConfig holds the upstream biometric service binding plus the local
// decision policy knobs.
type KeyIDConfig struct {
	URL                 string  `json:"url" yaml:"url"`
	License             string  `json:"license" yaml:"license"`
	TimeoutSec          int     `json:"timeout_sec" yaml:"timeout_sec"`
	PassiveValidation   bool    `json:"passive_validation" yaml:"passive_validation"`
	PassiveEnrollment   bool    `json:"passive_enrollment" yaml:"passive_enrollment"`
	CustomThreshold     bool    `json:"custom_threshold" yaml:"custom_threshold"`
	ThresholdConfidence float64 `json:"threshold_confidence" yaml:"threshold_confidence"`
	ThresholdFidelity   float64 `json:"threshold_fidelity" yaml:"threshold_fidelity"`
	InsecureSkipVerify  bool    `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Workers             int     `json:"workers" yaml:"workers"`
	QueueDepth          int     `json:"queue_depth" yaml:"queue_depth"`
}

// ClientSettings maps the config section onto the client's settings struct.
func (c KeyIDConfig) ClientSettings() keyid.Settings {
	settings := keyid.DefaultSettings()
	settings.URL = c.URL
	settings.License = c.License
	settings.PassiveValidation = c.PassiveValidation
	settings.PassiveEnrollment = c.PassiveEnrollment
	settings.CustomThreshold = c.CustomThreshold
	settings.ThresholdConfidence = c.ThresholdConfidence
	settings.ThresholdFidelity = c.ThresholdFidelity
	settings.StrictSSL = !c.InsecureSkipVerify
	if c.TimeoutSec > 0 {
		settings.Timeout = time.Duration(c.TimeoutSec) * time.Second
	}
	return settings
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type LimitConfig struct {
	VerifyRPM     int    `json:"verify_rpm" yaml:"verify_rpm"`
	MaxFailures   int    `json:"max_failures" yaml:"max_failures"`
	FailureWindow string `json:"failure_window" yaml:"failure_window"`
	LockoutFor    string `json:"lockout_for" yaml:"lockout_for"`
}

// envOverrides are applied on top of the file config so deployments can
// keep secrets out of the config file.
type envOverrides struct {
	ListenAddr   string `env:"TYPEAUTH_LISTEN_ADDR"`
	DatabaseDSN  string `env:"TYPEAUTH_DATABASE_DSN"`
	AdminToken   string `env:"TYPEAUTH_ADMIN_TOKEN"`
	KeyIDURL     string `env:"KEYID_URL"`
	KeyIDLicense string `env:"KEYID_LICENSE"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "typeauth_session",
		},
		KeyID: KeyIDConfig{
			TimeoutSec:          10,
			ThresholdConfidence: 70,
			ThresholdFidelity:   50,
			Workers:             2,
			QueueDepth:          64,
		},
		Observer: ObservabilityConfig{
			ServiceName: "typeauth-api",
			SampleRatio: 1,
		},
		Limits: LimitConfig{
			VerifyRPM:     30,
			MaxFailures:   5,
			FailureWindow: "5m",
			LockoutFor:    "15m",
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json config: %w", err)
			}
		default:
			var yamlErr error
			if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
				break
			}
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.New("config format not recognized (expected yaml/json)")
			}
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *ServerConfig) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	if overrides.ListenAddr != "" {
		cfg.ListenAddr = overrides.ListenAddr
	}
	if overrides.DatabaseDSN != "" {
		cfg.Database.DSN = overrides.DatabaseDSN
	}
	if overrides.AdminToken != "" {
		cfg.Security.AdminToken = overrides.AdminToken
	}
	if overrides.KeyIDURL != "" {
		cfg.KeyID.URL = overrides.KeyIDURL
	}
	if overrides.KeyIDLicense != "" {
		cfg.KeyID.License = overrides.KeyIDLicense
	}
	return nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "typeauth_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.KeyID.TimeoutSec <= 0 {
		cfg.KeyID.TimeoutSec = 10
	}
	if cfg.KeyID.ThresholdConfidence <= 0 {
		cfg.KeyID.ThresholdConfidence = 70
	}
	if cfg.KeyID.ThresholdFidelity <= 0 {
		cfg.KeyID.ThresholdFidelity = 50
	}
	if cfg.KeyID.Workers <= 0 {
		cfg.KeyID.Workers = 2
	}
	if cfg.KeyID.QueueDepth <= 0 {
		cfg.KeyID.QueueDepth = 64
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "typeauth-api"
	}
	if cfg.Limits.VerifyRPM <= 0 {
		cfg.Limits.VerifyRPM = 30
	}
	if cfg.Limits.MaxFailures <= 0 {
		cfg.Limits.MaxFailures = 5
	}
	if strings.TrimSpace(cfg.Limits.FailureWindow) == "" {
		cfg.Limits.FailureWindow = "5m"
	}
	if strings.TrimSpace(cfg.Limits.LockoutFor) == "" {
		cfg.Limits.LockoutFor = "15m"
	}
}
