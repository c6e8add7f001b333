package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAddr is the default TCP address the engine serves websocket and HTTP traffic on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is where the spectator and lifecycle gRPC service listens. Empty disables it.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultAdminWindow bounds how frequently admin abort requests may be made.
	DefaultAdminWindow = time.Minute
	// DefaultAdminBurst sets how many admin abort requests may be made per window.
	DefaultAdminBurst = 5

	// DefaultTickRate is the always-on scheduler frequency in Hz.
	DefaultTickRate = 60
	// DefaultCountdown is the number of seconds announced before a ranked match starts.
	DefaultCountdown = 3
	// DefaultGracePeriod is how long a casual session waits for a disconnected player.
	DefaultGracePeriod = 10 * time.Second
	// DefaultInputRate caps accepted input messages per player per second.
	DefaultInputRate = 120
	// DefaultMode selects which session manager serves matchmaking when a client omits the mode.
	DefaultMode = "ranked"
	// DefaultEventRetention bounds how many lifecycle events are kept for late subscribers.
	DefaultEventRetention = 4096

	// DefaultLogLevel controls verbosity for engine logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "engine.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode enumerates the supported gRPC authentication strategies.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the engine.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	AdminWindow     time.Duration
	AdminBurst      int
	AuthSecret      string

	TickRate       int
	Countdown      int
	GracePeriod    time.Duration
	InputRate      int
	DefaultMode    string
	JournalDir     string
	EventRetention int

	GRPCAuthMode     GRPCAuthMode
	GRPCSharedSecret string
	GRPCServerCert   string
	GRPCServerKey    string
	GRPCClientCA     string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoadDotEnv populates the process environment from a .env file when one exists.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

// Load reads the engine configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("PONG_ADDR", DefaultAddr),
		GRPCAddress:      getString("PONG_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:   parseList(os.Getenv("PONG_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		MaxClients:       DefaultMaxClients,
		TLSCertPath:      strings.TrimSpace(os.Getenv("PONG_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("PONG_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("PONG_ADMIN_TOKEN")),
		AdminWindow:      DefaultAdminWindow,
		AdminBurst:       DefaultAdminBurst,
		AuthSecret:       strings.TrimSpace(os.Getenv("PONG_AUTH_SECRET")),
		TickRate:         DefaultTickRate,
		Countdown:        DefaultCountdown,
		GracePeriod:      DefaultGracePeriod,
		InputRate:        DefaultInputRate,
		DefaultMode:      strings.ToLower(getString("PONG_DEFAULT_MODE", DefaultMode)),
		JournalDir:       strings.TrimSpace(os.Getenv("PONG_JOURNAL_DIR")),
		EventRetention:   DefaultEventRetention,
		GRPCAuthMode:     GRPCAuthMode(strings.ToLower(getString("PONG_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret: strings.TrimSpace(os.Getenv("PONG_GRPC_SHARED_SECRET")),
		GRPCServerCert:   strings.TrimSpace(os.Getenv("PONG_GRPC_CERT")),
		GRPCServerKey:    strings.TrimSpace(os.Getenv("PONG_GRPC_KEY")),
		GRPCClientCA:     strings.TrimSpace(os.Getenv("PONG_GRPC_CLIENT_CA")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("PONG_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("PONG_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
	if raw, ok := os.LookupEnv("PONG_GRPC_ADDR"); ok && strings.TrimSpace(raw) == "-" {
		cfg.GRPCAddress = ""
	}

	var problems []string

	positiveInt64(&problems, "PONG_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	positiveDuration(&problems, "PONG_PING_INTERVAL", &cfg.PingInterval)
	nonNegativeInt(&problems, "PONG_MAX_CLIENTS", &cfg.MaxClients)
	positiveDuration(&problems, "PONG_ADMIN_WINDOW", &cfg.AdminWindow)
	positiveInt(&problems, "PONG_ADMIN_BURST", &cfg.AdminBurst)
	positiveInt(&problems, "PONG_TICK_RATE", &cfg.TickRate)
	nonNegativeInt(&problems, "PONG_COUNTDOWN", &cfg.Countdown)
	positiveDuration(&problems, "PONG_GRACE_PERIOD", &cfg.GracePeriod)
	positiveInt(&problems, "PONG_INPUT_RATE", &cfg.InputRate)
	positiveInt(&problems, "PONG_EVENT_RETENTION", &cfg.EventRetention)
	positiveInt(&problems, "PONG_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	nonNegativeInt(&problems, "PONG_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	nonNegativeInt(&problems, "PONG_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("PONG_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PONG_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.TickRate > 240 {
		problems = append(problems, fmt.Sprintf("PONG_TICK_RATE must not exceed 240, got %d", cfg.TickRate))
	}

	switch cfg.DefaultMode {
	case "ranked", "casual":
	default:
		problems = append(problems, fmt.Sprintf("PONG_DEFAULT_MODE must be ranked or casual, got %q", cfg.DefaultMode))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "PONG_TLS_CERT and PONG_TLS_KEY must be provided together")
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "PONG_GRPC_SHARED_SECRET is required when PONG_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCert == "" || cfg.GRPCServerKey == "" || cfg.GRPCClientCA == "" {
			problems = append(problems, "PONG_GRPC_CERT, PONG_GRPC_KEY and PONG_GRPC_CLIENT_CA are required when PONG_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("PONG_GRPC_AUTH_MODE must be none, shared_secret or mtls, got %q", cfg.GRPCAuthMode))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func positiveInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func nonNegativeInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*target = value
}

func positiveInt64(problems *[]string, key string, target *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func positiveDuration(problems *[]string, key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = duration
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
