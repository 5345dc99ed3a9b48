package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/david/opportunity-crm/internal/crm"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	CRM      CRMConfig      `yaml:"sap_crm"`
}

type ServerConfig struct {
	Port                   string   `yaml:"port"`
	APIVersion             string   `yaml:"api_version"`
	CORSOrigins            []string `yaml:"cors_origins"`
	BodyLimit              string   `yaml:"body_limit"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type CRMConfig struct {
	BaseURL          string `yaml:"base_url"`
	Endpoint         string `yaml:"endpoint"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryBaseDelayMS int    `yaml:"retry_base_delay_ms"`
}

// ClientConfig converts the file settings into the adapter's configuration.
func (c CRMConfig) ClientConfig() crm.Config {
	return crm.Config{
		BaseURL:        c.BaseURL,
		Endpoint:       c.Endpoint,
		Username:       c.Username,
		Password:       c.Password,
		Timeout:        time.Duration(c.TimeoutSeconds) * time.Second,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: time.Duration(c.RetryBaseDelayMS) * time.Millisecond,
	}
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Load builds the configuration from the embedded defaults, an optional
// CONFIG_FILE overlay, and finally environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := decode(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode expands ${VAR} references before parsing, so secrets can stay
// out of the file.
func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.APIVersion, "API_VERSION")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.CRM.BaseURL, "SAP_CRM_BASE_URL")
	setString(&c.CRM.Endpoint, "SAP_CRM_ENDPOINT")
	setString(&c.CRM.Username, "SAP_CRM_USERNAME")
	setString(&c.CRM.Password, "SAP_CRM_PASSWORD")

	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}

	if err := setInt(&c.CRM.TimeoutSeconds, "SAP_CRM_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	return setInt(&c.CRM.MaxRetries, "SAP_CRM_MAX_RETRIES")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.APIVersion == "" {
		c.Server.APIVersion = "v1"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.CRM.TimeoutSeconds <= 0 {
		return fmt.Errorf("sap_crm.timeout_seconds must be positive, got %d", c.CRM.TimeoutSeconds)
	}
	if c.CRM.MaxRetries < 0 {
		return fmt.Errorf("sap_crm.max_retries cannot be negative, got %d", c.CRM.MaxRetries)
	}
	return nil
}
