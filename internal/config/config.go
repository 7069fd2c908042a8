package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "SIGNALGW_LISTEN_ADDR"
	envVarMode            = "SIGNALGW_MODE"
	envVarLogFormat       = "SIGNALGW_LOG_FORMAT"
	envVarLogLevel        = "SIGNALGW_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNALGW_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Media engine.
	envVarMediaEngineURL         = "MEDIA_ENGINE_WS_URL"
	envVarMediaEngineCallTimeout = "MEDIA_ENGINE_CALL_TIMEOUT"

	// ICE credential service.
	envVarCredentialServiceURL = "ICE_CREDENTIAL_SERVICE_URL"
	envVarCredentialIdentity   = "ICE_CREDENTIAL_IDENTITY"
	envVarCredentialNamespace  = "ICE_CREDENTIAL_NAMESPACE"
	envVarCredentialGateway    = "ICE_CREDENTIAL_GATEWAY"
	envVarCredentialListener   = "ICE_CREDENTIAL_LISTENER"
	envVarIceRefreshInterval   = "ICE_REFRESH_INTERVAL"

	// Session lifecycle.
	envVarSessionMaxAge        = "SESSION_MAX_AGE"
	envVarSessionSweepInterval = "SESSION_SWEEP_INTERVAL"
	envVarCandidateQueueLimit  = "CANDIDATE_QUEUE_LIMIT"

	// Signaling limits.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Client-side connection manager.
	envVarConnectTimeout       = "CONNECT_TIMEOUT"
	envVarMaxReconnectAttempts = "MAX_RECONNECT_ATTEMPTS"
	envVarReconnectBaseDelay   = "RECONNECT_BASE_DELAY"

	// Embedded TURN REST credentials (used when no external credential
	// service is configured).
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr   = ":8443"
	DefaultMode         = ModeDev
	DefaultShutdown     = 10 * time.Second
	DefaultEngineURL    = "ws://127.0.0.1:8888/media"
	DefaultCallTimeout  = 10 * time.Second
	DefaultIceRefresh   = 5 * time.Second
	DefaultSessionAge   = 5 * time.Minute
	DefaultSessionSweep = 30 * time.Second

	DefaultCandidateQueueLimit            = 64
	DefaultMaxSignalingMessageBytes       = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond  = 50
	DefaultConnectTimeout                 = 10 * time.Second
	DefaultMaxReconnectAttempts           = 3
	DefaultReconnectBaseDelay             = 500 * time.Millisecond
	DefaultTURNRESTTTLSeconds       int64 = 600
	DefaultTURNRESTUsernamePrefix         = "signalgw"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	MediaEngineURL         string
	MediaEngineCallTimeout time.Duration

	CredentialServiceURL string
	CredentialIdentity   string
	CredentialNamespace  string
	CredentialGateway    string
	CredentialListener   string
	IceRefreshInterval   time.Duration

	SessionMaxAge        time.Duration
	SessionSweepInterval time.Duration
	CandidateQueueLimit  int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode := Mode(strings.ToLower(envOrDefault(lookup, envVarMode, string(DefaultMode))))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarMode, mode)
	}

	logFormat := LogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarLogFormat, logFormat)
	}

	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		AllowedOrigins:       splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),
		MediaEngineURL:       envOrDefault(lookup, envVarMediaEngineURL, DefaultEngineURL),
		CredentialServiceURL: envOrDefault(lookup, envVarCredentialServiceURL, ""),
		CredentialIdentity:   envOrDefault(lookup, envVarCredentialIdentity, "signalgw"),
		CredentialNamespace:  envOrDefault(lookup, envVarCredentialNamespace, ""),
		CredentialGateway:    envOrDefault(lookup, envVarCredentialGateway, ""),
		CredentialListener:   envOrDefault(lookup, envVarCredentialListener, ""),
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown); err != nil {
		return Config{}, err
	}
	if cfg.MediaEngineCallTimeout, err = envDurationOrDefault(lookup, envVarMediaEngineCallTimeout, DefaultCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.IceRefreshInterval, err = envDurationOrDefault(lookup, envVarIceRefreshInterval, DefaultIceRefresh); err != nil {
		return Config{}, err
	}
	if cfg.SessionMaxAge, err = envDurationOrDefault(lookup, envVarSessionMaxAge, DefaultSessionAge); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = envDurationOrDefault(lookup, envVarSessionSweepInterval, DefaultSessionSweep); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBaseDelay, err = envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay); err != nil {
		return Config{}, err
	}

	if cfg.CandidateQueueLimit, err = envIntOrDefault(lookup, envVarCandidateQueueLimit, DefaultCandidateQueueLimit); err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnectAttempts, err = envIntOrDefault(lookup, envVarMaxReconnectAttempts, DefaultMaxReconnectAttempts); err != nil {
		return Config{}, err
	}

	if cfg.CandidateQueueLimit <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarCandidateQueueLimit)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if cfg.SessionMaxAge <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSessionMaxAge)
	}

	turnTTL := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnTTL = n
	}
	cfg.TURNREST = TurnRESTConfig{
		SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
		TTLSeconds:     turnTTL,
		UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	fs := flag.NewFlagSet("signalgw", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address for the HTTP/WebSocket server")
	fs.StringVar(&cfg.MediaEngineURL, "engine", cfg.MediaEngineURL, "media engine WebSocket URL")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
