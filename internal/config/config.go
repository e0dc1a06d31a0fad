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

// Config holds all runtime options for the daemon.
type Config struct {
	Addr          string
	StateDir      string
	LogLevel      string
	AuthToken     string
	Mode          string
	UseUTC        bool
	ExecTimeout   time.Duration
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:8000"
	defaultLogLevel      = "info"
	defaultMode          = "http"
	defaultExecTimeout   = 60 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// Parse builds the daemon configuration.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	// The .env file is optional; check the working directory and the user
	// config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskrun", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Addr:          getEnvString("TASKRUN_ADDR", defaultAddr),
		StateDir:      getEnvString("TASKRUN_STATE_DIR", ""),
		LogLevel:      getEnvString("TASKRUN_LOG_LEVEL", defaultLogLevel),
		AuthToken:     getEnvString("TASKRUN_AUTH_TOKEN", ""),
		Mode:          getEnvString("TASKRUN_MODE", defaultMode),
		UseUTC:        getEnvBool("TASKRUN_USE_UTC", false),
		ExecTimeout:   getEnvDuration("TASKRUN_EXEC_TIMEOUT", defaultExecTimeout),
		ShutdownGrace: getEnvDuration("TASKRUN_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, stateDir, logLevel, mode string
	var useUTC bool
	var execTimeout, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for the task database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	flag.BoolVar(&useUTC, "use-utc", false, "Evaluate schedules in UTC instead of system local time")
	flag.DurationVar(&execTimeout, "exec-timeout", 0, "Per-run script execution timeout")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	flag.Parse()

	if addr != "" {
		cfg.Addr = addr
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if execTimeout > 0 {
		cfg.ExecTimeout = execTimeout
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (expected http, mcp or both)", cfg.Mode)
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskrun")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
