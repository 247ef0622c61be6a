package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port          string        `yaml:"port"`
	APIBaseURL    string        `yaml:"apiBaseURL"`
	Auth          authConfig    `yaml:"auth"`
	StorePath     string        `yaml:"storePath"`
	LogLevel      slog.Level    `yaml:"logLevel"`
	SecureCookies bool          `yaml:"secureCookies"`
	SessionTTL    time.Duration `yaml:"sessionTTL"`
}

// authConfig points at the Supabase-compatible auth server.
type authConfig struct {
	URL         string `yaml:"url"`
	AnonKey     string `yaml:"anonKey"`
	CallbackURL string `yaml:"callbackURL"`
}

const (
	defaultPort       = "8080"
	defaultAPIBaseURL = "http://localhost:8000"
	defaultSessionTTL = 7 * 24 * time.Hour
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string        `yaml:"port"`
		APIBaseURL    string        `yaml:"apiBaseURL"`
		Auth          authConfig    `yaml:"auth"`
		StorePath     string        `yaml:"storePath"`
		LogLevel      string        `yaml:"logLevel"`
		SecureCookies bool          `yaml:"secureCookies"`
		SessionTTL    time.Duration `yaml:"sessionTTL"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", rawConfig.LogLevel, err)
		}
	}
	if rawConfig.SessionTTL < 0 {
		return fmt.Errorf("sessionTTL must not be negative")
	}

	c.Port = rawConfig.Port
	c.APIBaseURL = rawConfig.APIBaseURL
	c.Auth = rawConfig.Auth
	c.StorePath = rawConfig.StorePath
	c.SecureCookies = rawConfig.SecureCookies
	c.SessionTTL = rawConfig.SessionTTL

	return nil
}

// loadConfig reads the config file at path, if there is one, and fills what it leaves out from the
// environment and the defaults. dataDir holds the session store unless storePath is set.
func loadConfig(path, dataDir string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg.applyDefaults(dataDir)

	if cfg.Auth.URL == "" {
		return config{}, fmt.Errorf("auth url is required, set auth.url or SUPABASE_URL")
	}
	return cfg, nil
}

func (c *config) applyDefaults(dataDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = os.Getenv("GENIE_API_BASE_URL")
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.Auth.URL == "" {
		c.Auth.URL = os.Getenv("SUPABASE_URL")
	}
	if c.Auth.AnonKey == "" {
		c.Auth.AnonKey = os.Getenv("SUPABASE_ANON_KEY")
	}
	if c.Auth.CallbackURL == "" {
		c.Auth.CallbackURL = "http://localhost:" + c.Port + "/auth/callback"
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(dataDir, "store.db")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if !c.SecureCookies {
		c.SecureCookies = strings.HasPrefix(c.Auth.CallbackURL, "https://")
	}
}
