package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	// Retention is the number of run logs kept per task.
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
	// RatePerMinute caps delivered notifications; zero disables the cap.
	RatePerMinute float64
	Burst         int
}

// MetricsConfig controls the OpenTelemetry stdout exporter.
type MetricsConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Metrics      MetricsConfig

	StateDir string
	// Definitions is an optional YAML file of tasks and routines.
	Definitions string
	// Watch reloads Definitions when the file changes.
	Watch bool
	// Mode is one of http, mcp or both.
	Mode          string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

const (
	envPrefix            = "TASKERMAN_"
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultRunLogKeep    = 20
	defaultShutdownGrace = 5 * time.Second
	defaultNotifyRate    = 6
	defaultNotifyBurst   = 3
	defaultMetricsEvery  = time.Minute
)

func env(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := env(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := env(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := env(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := env(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := env(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration for the daemon from os.Args.
func Parse() (*Config, error) {
	// .env files are optional: the working directory first, then the user config dir.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskerman", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds a Config from the environment and args.
// Priority: CLI flags > environment variables > defaults.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("LOG_FORMAT", defaultLogFormat),
			Retention: getEnvInt("LOG_RETENTION", defaultRunLogKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			RatePerMinute: getEnvFloat("NOTIFY_RATE", defaultNotifyRate),
			Burst:         getEnvInt("NOTIFY_BURST", defaultNotifyBurst),
		},
		Metrics: MetricsConfig{
			Enabled:  getEnvBool("METRICS", false),
			Interval: getEnvDuration("METRICS_INTERVAL", defaultMetricsEvery),
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		Definitions:   getEnvString("DEFINITIONS", ""),
		Watch:         getEnvBool("WATCH", false),
		Mode:          getEnvString("MODE", ModeHTTP),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskermand", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, stateDir, definitions, mode string
		runLogKeep                                             int
		useUTC, watch, metrics                                 bool
		shutdownGrace                                          time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store database and run logs")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&definitions, "definitions", "", "YAML file with task and routine definitions")
	fs.StringVar(&mode, "mode", "", "Serve mode: http, mcp or both")
	fs.BoolVar(&watch, "watch", false, "Reload the definitions file when it changes")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&metrics, "metrics", false, "Export metrics to stderr")
	fs.IntVar(&runLogKeep, "run-log-keep", 0, "Number of recent run logs to retain per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if runLogKeep > 0 {
		cfg.Log.Retention = runLogKeep
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if definitions != "" {
		cfg.Definitions = definitions
	}
	if mode != "" {
		cfg.Mode = mode
	}
	// Bool and duration flags apply only when given explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "watch":
			cfg.Watch = watch
		case "metrics":
			cfg.Metrics.Enabled = metrics
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q: want %s, %s or %s", cfg.Mode, ModeHTTP, ModeMCP, ModeBoth)
	}
	if cfg.Watch && cfg.Definitions == "" {
		return nil, fmt.Errorf("watch needs a definitions file")
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRunLogKeep
	}
	if cfg.Notification.Burst < 1 {
		cfg.Notification.Burst = 1
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskerman")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
