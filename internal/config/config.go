package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callscript server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int
	TreeFile string

	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json

	CallbackSecret string // hex-encoded 32-byte secret validating callback JWTs; empty disables auth

	PlatformURL       string // call-control platform base URL
	PlatformAccessKey string // access key sent with every platform request
	CallbackBaseURL   string // externally reachable base URL for callback delivery

	SourceCallerID string // caller ID presented on outbound calls
	DefaultTarget  string // number dialed when the trigger request names none

	DialRate  float64 // outbound-call trigger requests per second per client IP
	DialBurst int

	SessionGraceSecs int // seconds a terminated session lingers for trailing duplicates
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultTreeFile     = "./tree.yaml"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultDialRate     = 1.0
	defaultDialBurst    = 5
	defaultSessionGrace = 120
)

// envPrefix is the prefix for all callscript environment variables.
const envPrefix = "CALLSCRIPT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

// load is the testable core of Load.
func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callscript", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TreeFile, "tree-file", defaultTreeFile, "path to the conversation tree YAML file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CallbackSecret, "callback-secret", "", "hex-encoded 32-byte secret for validating callback JWTs (empty disables validation)")
	fs.StringVar(&cfg.PlatformURL, "platform-url", "", "call-control platform base URL")
	fs.StringVar(&cfg.PlatformAccessKey, "platform-access-key", "", "access key for the call-control platform")
	fs.StringVar(&cfg.CallbackBaseURL, "callback-base-url", "", "externally reachable base URL the platform delivers callbacks to")
	fs.StringVar(&cfg.SourceCallerID, "source-caller-id", "", "caller ID presented on outbound calls")
	fs.StringVar(&cfg.DefaultTarget, "default-target", "", "number dialed when a trigger request names no target")
	fs.Float64Var(&cfg.DialRate, "dial-rate", defaultDialRate, "outbound-call trigger requests per second per client IP")
	fs.IntVar(&cfg.DialBurst, "dial-burst", defaultDialBurst, "outbound-call trigger burst per client IP")
	fs.IntVar(&cfg.SessionGraceSecs, "session-grace-secs", defaultSessionGrace, "seconds a terminated session lingers for trailing duplicate events")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"tree-file":           envPrefix + "TREE_FILE",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
		"callback-secret":     envPrefix + "CALLBACK_SECRET",
		"platform-url":        envPrefix + "PLATFORM_URL",
		"platform-access-key": envPrefix + "PLATFORM_ACCESS_KEY",
		"callback-base-url":   envPrefix + "CALLBACK_BASE_URL",
		"source-caller-id":    envPrefix + "SOURCE_CALLER_ID",
		"default-target":      envPrefix + "DEFAULT_TARGET",
		"dial-rate":           envPrefix + "DIAL_RATE",
		"dial-burst":          envPrefix + "DIAL_BURST",
		"session-grace-secs":  envPrefix + "SESSION_GRACE_SECS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "tree-file":
			cfg.TreeFile = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "callback-secret":
			cfg.CallbackSecret = val
		case "platform-url":
			cfg.PlatformURL = val
		case "platform-access-key":
			cfg.PlatformAccessKey = val
		case "callback-base-url":
			cfg.CallbackBaseURL = val
		case "source-caller-id":
			cfg.SourceCallerID = val
		case "default-target":
			cfg.DefaultTarget = val
		case "dial-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.DialRate = v
			}
		case "dial-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DialBurst = v
			}
		case "session-grace-secs":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SessionGraceSecs = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.TreeFile == "" {
		return fmt.Errorf("tree-file is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.DialRate <= 0 {
		return fmt.Errorf("dial-rate must be positive, got %v", c.DialRate)
	}
	if c.DialBurst < 1 {
		return fmt.Errorf("dial-burst must be at least 1, got %d", c.DialBurst)
	}
	if c.SessionGraceSecs < 0 {
		return fmt.Errorf("session-grace-secs must be non-negative, got %d", c.SessionGraceSecs)
	}

	// The platform URL and access key must both be set or both be empty;
	// half-configured dialing fails in confusing ways at call time.
	if (c.PlatformURL == "") != (c.PlatformAccessKey == "") {
		return fmt.Errorf("platform-url and platform-access-key must both be provided or both be omitted")
	}

	if _, err := c.CallbackSecretBytes(); err != nil {
		return err
	}

	return nil
}

// CallbackSecretBytes returns the decoded 32-byte callback secret, or nil
// if no secret is configured.
func (c *Config) CallbackSecretBytes() ([]byte, error) {
	if c.CallbackSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.CallbackSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding callback secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("callback secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SessionGrace returns the grace period as a duration.
func (c *Config) SessionGrace() time.Duration {
	return time.Duration(c.SessionGraceSecs) * time.Second
}

// CallbackURI returns the full URI the platform should deliver callback
// events to, or "" if no base URL is configured.
func (c *Config) CallbackURI() string {
	if c.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.CallbackBaseURL, "/") + "/api/callbacks"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
