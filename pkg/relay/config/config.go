// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream speech service.
	UpstreamURL string
	ToolTimeout time.Duration

	// Session lifecycle.
	TeardownTimeout   time.Duration
	SweepInterval     time.Duration
	IdleAfter         time.Duration
	ShutdownForceExit time.Duration

	// HTTP server.
	ReadHeaderTimeout time.Duration

	// WebSocket transport.
	WSWriteTimeout     time.Duration
	WSReadLimitBytes   int64
	WSHandshakeTimeout time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Injection.
	TTSEnabled        bool
	InjectSettleDelay time.Duration
	TTSLanguageCode   string
	TTSVoiceName      string

	// Transport adapters.
	BrowserAdapterOn bool
	TwilioAdapterOn  bool

	// Conversation defaults.
	SystemPrompt string

	// Tool backends.
	WeatherBaseURL string
	WorkflowURL    string

	// Metrics namespace.
	MetricsNamespace string
}

const defaultSystemPrompt = "You are a helpful voice assistant. Keep responses short and conversational."

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("VOX_RELAY_ADDR", ":8081"),
		UpstreamURL:        envOr("VOX_RELAY_UPSTREAM_URL", "ws://127.0.0.1:9099/stream"),
		ToolTimeout:        envDurationOr("VOX_RELAY_TOOL_TIMEOUT", 30*time.Second),
		TeardownTimeout:    envDurationOr("VOX_RELAY_TEARDOWN_TIMEOUT", 3*time.Second),
		SweepInterval:      envDurationOr("VOX_RELAY_SWEEP_INTERVAL", 60*time.Second),
		IdleAfter:          envDurationOr("VOX_RELAY_IDLE_AFTER", 5*time.Minute),
		ShutdownForceExit:  envDurationOr("VOX_RELAY_SHUTDOWN_FORCE_EXIT", 5*time.Second),
		ReadHeaderTimeout:  envDurationOr("VOX_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		WSWriteTimeout:     envDurationOr("VOX_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadLimitBytes:   envInt64Or("VOX_RELAY_WS_READ_LIMIT_BYTES", 1<<20), // 1 MiB
		WSHandshakeTimeout: envDurationOr("VOX_RELAY_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		CORSAllowedOrigins: make(map[string]struct{}),
		TTSEnabled:         envBoolOr("VOX_RELAY_TTS_ENABLED", false),
		InjectSettleDelay:  envDurationOr("VOX_RELAY_INJECT_SETTLE_DELAY", time.Second),
		TTSLanguageCode:    envOr("VOX_RELAY_TTS_LANGUAGE", "en-US"),
		TTSVoiceName:       envOr("VOX_RELAY_TTS_VOICE", ""),
		BrowserAdapterOn:   envBoolOr("VOX_RELAY_ADAPTER_BROWSER", true),
		TwilioAdapterOn:    envBoolOr("VOX_RELAY_ADAPTER_TWILIO", false),
		SystemPrompt:       envOr("VOX_RELAY_SYSTEM_PROMPT", defaultSystemPrompt),
		WeatherBaseURL:     envOr("VOX_RELAY_WEATHER_BASE_URL", "https://api.open-meteo.com"),
		WorkflowURL:        envOr("VOX_RELAY_WORKFLOW_URL", ""),
		MetricsNamespace:   envOr("VOX_RELAY_METRICS_NAMESPACE", "voxbridge"),
	}

	for _, origin := range splitCSV(os.Getenv("VOX_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VOX_RELAY_ADDR must not be empty")
	}
	if !strings.HasPrefix(cfg.UpstreamURL, "ws://") && !strings.HasPrefix(cfg.UpstreamURL, "wss://") {
		return Config{}, fmt.Errorf("VOX_RELAY_UPSTREAM_URL must be a ws:// or wss:// URL")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_TOOL_TIMEOUT must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_SWEEP_INTERVAL must be > 0")
	}
	if cfg.IdleAfter <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_IDLE_AFTER must be > 0")
	}
	if cfg.ShutdownForceExit <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_SHUTDOWN_FORCE_EXIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadLimitBytes <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_WS_READ_LIMIT_BYTES must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.InjectSettleDelay <= 0 {
		return Config{}, fmt.Errorf("VOX_RELAY_INJECT_SETTLE_DELAY must be > 0")
	}
	if strings.TrimSpace(cfg.WeatherBaseURL) == "" {
		return Config{}, fmt.Errorf("VOX_RELAY_WEATHER_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		return Config{}, fmt.Errorf("VOX_RELAY_SYSTEM_PROMPT must not be empty")
	}
	if !cfg.BrowserAdapterOn && !cfg.TwilioAdapterOn {
		return Config{}, fmt.Errorf("at least one transport adapter must be enabled")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
