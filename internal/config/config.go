package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	envVarListenAddr      = "COBROWSE_LISTEN_ADDR"
	envVarLogFormat       = "COBROWSE_LOG_FORMAT"
	envVarLogLevel        = "COBROWSE_LOG_LEVEL"
	envVarShutdownTimeout = "COBROWSE_SHUTDOWN_TIMEOUT"

	// Session API auth.
	envVarTokenSecret = "COBROWSE_TOKEN_SECRET"
	envVarTokenTTL    = "COBROWSE_TOKEN_TTL"

	// Sandbox provisioning.
	envVarProvisionerURL   = "COBROWSE_PROVISIONER_URL"
	envVarProvisionerToken = "COBROWSE_PROVISIONER_TOKEN"

	// Optional Redis-backed session store. Empty means in-memory.
	envVarRedisAddr     = "COBROWSE_REDIS_ADDR"
	envVarRedisPassword = "COBROWSE_REDIS_PASSWORD"
	envVarSessionTTL    = "COBROWSE_SESSION_TTL"

	// Client-side handshake bounds.
	envVarLoginTimeout = "COBROWSE_LOGIN_TIMEOUT"
	envVarDialTimeout  = "COBROWSE_DIAL_TIMEOUT"

	// Arbitration hardening.
	envVarMaxControlGrantsPerSecond = "COBROWSE_MAX_CONTROL_GRANTS_PER_SECOND"

	// ICE configuration for client peer connections.
	envVarICEServersJSON = "COBROWSE_ICE_SERVERS_JSON"
	envVarSTUNURLs       = "COBROWSE_STUN_URLS"
)

const (
	DefaultListenAddr      = "127.0.0.1:8090"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultTokenTTL        = 1 * time.Hour
	DefaultSessionTTL      = 24 * time.Hour
	DefaultLoginTimeout    = 10 * time.Second
	DefaultDialTimeout     = 10 * time.Second

	// DefaultMaxControlGrantsPerSecond bounds how fast the host can move the
	// control token. A double-clicked grant button must not produce two
	// concurrent winning grants.
	DefaultMaxControlGrantsPerSecond = 5

	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        zerolog.Level
	ShutdownTimeout time.Duration

	// TokenSecret signs the ephemeral HS256 tokens issued at /auth/login.
	TokenSecret string
	TokenTTL    time.Duration

	ProvisionerURL   string
	ProvisionerToken string

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	LoginTimeout time.Duration
	DialTimeout  time.Duration

	MaxControlGrantsPerSecond int

	// ICEServers is advertised to clients and used when constructing
	// client-side PeerConnections.
	ICEServers []webrtc.ICEServer
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:                envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout:           DefaultShutdownTimeout,
		TokenSecret:               envOrDefault(lookup, envVarTokenSecret, ""),
		TokenTTL:                  DefaultTokenTTL,
		ProvisionerURL:            envOrDefault(lookup, envVarProvisionerURL, ""),
		ProvisionerToken:          envOrDefault(lookup, envVarProvisionerToken, ""),
		RedisAddr:                 envOrDefault(lookup, envVarRedisAddr, ""),
		RedisPassword:             envOrDefault(lookup, envVarRedisPassword, ""),
		SessionTTL:                DefaultSessionTTL,
		LoginTimeout:              DefaultLoginTimeout,
		DialTimeout:               DefaultDialTimeout,
		MaxControlGrantsPerSecond: DefaultMaxControlGrantsPerSecond,
	}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	switch LogFormat(logFormat) {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = LogFormat(logFormat)
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text|json)", envVarLogFormat, logFormat)
	}

	logLevel := envOrDefault(lookup, envVarLogLevel, zerolog.InfoLevel.String())
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, logLevel, err)
	}
	cfg.LogLevel = level

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarTokenTTL, &cfg.TokenTTL},
		{envVarSessionTTL, &cfg.SessionTTL},
		{envVarLoginTimeout, &cfg.LoginTimeout},
		{envVarDialTimeout, &cfg.DialTimeout},
	} {
		if raw, ok := lookup(d.env); ok && strings.TrimSpace(raw) != "" {
			v, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", d.env, raw, err)
			}
			if v <= 0 {
				return Config{}, fmt.Errorf("invalid %s %q: must be positive", d.env, raw)
			}
			*d.dst = v
		}
	}

	if raw, ok := lookup(envVarMaxControlGrantsPerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxControlGrantsPerSecond, raw, err)
		}
		cfg.MaxControlGrantsPerSecond = n
	}

	iceServers, err := loadICEServers(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envVarTokenSecret)
	}

	return cfg, nil
}

// loadICEServers builds the ICE server list from either a full JSON blob or a
// comma-separated list of STUN URLs. The JSON form wins when both are set.
func loadICEServers(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw, ok := lookup(envVarICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		var servers []webrtc.ICEServer
		if err := json.Unmarshal([]byte(raw), &servers); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envVarICEServersJSON, err)
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("invalid %s: empty server list", envVarICEServersJSON)
		}
		return servers, nil
	}

	urls := envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURL)
	var servers []webrtc.ICEServer
	for _, u := range strings.Split(urls, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("invalid %s entry %q: expected stun: or stuns: URL", envVarSTUNURLs, u)
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("invalid %s: no usable STUN URLs", envVarSTUNURLs)
	}
	return servers, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
