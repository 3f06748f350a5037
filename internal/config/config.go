package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the phone API server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// MediaListen is the UDP address the telephony engine streams RTP to,
	// e.g. ":4000". MediaRemote optionally seeds the engine's address
	// before the first packet is seen.
	MediaListen string
	MediaRemote string

	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// APIToken is a plaintext bearer token for the control API. APITokenHash
	// is its Argon2id hash; when set it takes precedence over APIToken.
	// With neither set, the control API is unauthenticated.
	APIToken     string
	APITokenHash string

	JWTSecret string // hex-encoded 32-byte secret for WebSocket session tokens

	DispatcherQueueSize int

	// DTMF debounce windows in milliseconds.
	DTMFMinToneMS int
	DTMFMinGapMS  int

	WSPingIntervalSec int
	WSMaxMissedPings  int

	AudioJitterFrames int

	// Delivery log retention: rows kept after each prune pass.
	DeliveryLogKeep int
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultMediaListen   = ":4000"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultQueueSize     = 256
	defaultDTMFMinTone   = 40
	defaultDTMFMinGap    = 80
	defaultWSPingSec     = 20
	defaultWSMaxMissed   = 3
	defaultJitterFrames  = 16
	defaultDeliveryLogKp = 10000
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "SIPPHONE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sip-phone-api", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.MediaListen, "media-listen", defaultMediaListen, "UDP listen address for the telephony engine's media stream")
	fs.StringVar(&cfg.MediaRemote, "media-remote", "", "initial UDP address of the telephony engine (learned from traffic if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIToken, "api-token", "", "plaintext bearer token for the control API")
	fs.StringVar(&cfg.APITokenHash, "api-token-hash", "", "Argon2id hash of the control API bearer token (takes precedence over api-token)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for WebSocket session tokens (auto-generated if empty)")
	fs.IntVar(&cfg.DispatcherQueueSize, "dispatcher-queue-size", defaultQueueSize, "event dispatcher queue capacity")
	fs.IntVar(&cfg.DTMFMinToneMS, "dtmf-min-tone-ms", defaultDTMFMinTone, "minimum DTMF tone duration in milliseconds")
	fs.IntVar(&cfg.DTMFMinGapMS, "dtmf-min-gap-ms", defaultDTMFMinGap, "minimum inter-digit gap in milliseconds")
	fs.IntVar(&cfg.WSPingIntervalSec, "ws-ping-interval", defaultWSPingSec, "WebSocket keepalive ping interval in seconds")
	fs.IntVar(&cfg.WSMaxMissedPings, "ws-max-missed-pings", defaultWSMaxMissed, "unanswered pings before a WebSocket session is closed")
	fs.IntVar(&cfg.AudioJitterFrames, "audio-jitter-frames", defaultJitterFrames, "per-session audio jitter buffer depth in frames")
	fs.IntVar(&cfg.DeliveryLogKeep, "delivery-log-keep", defaultDeliveryLogKp, "webhook delivery log rows kept after pruning")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strTargets := map[string]*string{
		"data-dir":       &cfg.DataDir,
		"media-listen":   &cfg.MediaListen,
		"media-remote":   &cfg.MediaRemote,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"api-token":      &cfg.APIToken,
		"api-token-hash": &cfg.APITokenHash,
		"jwt-secret":     &cfg.JWTSecret,
	}
	intTargets := map[string]*int{
		"http-port":             &cfg.HTTPPort,
		"dispatcher-queue-size": &cfg.DispatcherQueueSize,
		"dtmf-min-tone-ms":      &cfg.DTMFMinToneMS,
		"dtmf-min-gap-ms":       &cfg.DTMFMinGapMS,
		"ws-ping-interval":      &cfg.WSPingIntervalSec,
		"ws-max-missed-pings":   &cfg.WSMaxMissedPings,
		"audio-jitter-frames":   &cfg.AudioJitterFrames,
		"delivery-log-keep":     &cfg.DeliveryLogKeep,
	}

	for flagName, target := range strTargets {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			*target = val
		}
	}
	for flagName, target := range intTargets {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*target = v
			}
		}
	}
}

// envName maps a flag name to its environment variable,
// e.g. "http-port" to "SIPPHONE_HTTP_PORT".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MediaListen == "" {
		return fmt.Errorf("media-listen must not be empty")
	}
	if c.DispatcherQueueSize < 1 {
		return fmt.Errorf("dispatcher-queue-size must be positive, got %d", c.DispatcherQueueSize)
	}
	if c.DTMFMinToneMS < 0 || c.DTMFMinGapMS < 0 {
		return fmt.Errorf("dtmf debounce windows must not be negative")
	}
	if c.WSPingIntervalSec < 1 {
		return fmt.Errorf("ws-ping-interval must be positive, got %d", c.WSPingIntervalSec)
	}
	if c.WSMaxMissedPings < 1 {
		return fmt.Errorf("ws-max-missed-pings must be positive, got %d", c.WSMaxMissedPings)
	}
	if c.AudioJitterFrames < 1 {
		return fmt.Errorf("audio-jitter-frames must be positive, got %d", c.AudioJitterFrames)
	}
	if c.DeliveryLogKeep < 0 {
		return fmt.Errorf("delivery-log-keep must not be negative, got %d", c.DeliveryLogKeep)
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

	return nil
}

// WSPingInterval returns the keepalive ping interval as a duration.
func (c *Config) WSPingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSec) * time.Second
}

// DTMFMinTone returns the minimum tone duration as a duration.
func (c *Config) DTMFMinTone() time.Duration {
	return time.Duration(c.DTMFMinToneMS) * time.Millisecond
}

// DTMFMinGap returns the minimum inter-digit gap as a duration.
func (c *Config) DTMFMinGap() time.Duration {
	return time.Duration(c.DTMFMinGapMS) * time.Millisecond
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
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
