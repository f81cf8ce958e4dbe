package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string        `env:"GEOCHAT_ADDR,default=:5000"`
	DBPath         string        `env:"GEOCHAT_DB_PATH"`
	DataDir        string        `env:"GEOCHAT_DATA_DIR"`
	JWTSecret      string        `env:"JWT_SECRET,required=true"`
	MessageBackend string        `env:"GEOCHAT_MESSAGE_BACKEND,default=memory"`
	BadgerPath     string        `env:"GEOCHAT_BADGER_PATH"`
	SweepInterval  time.Duration `env:"GEOCHAT_SWEEP_INTERVAL,default=1m"`
	HistoryLimit   int           `env:"GEOCHAT_HISTORY_LIMIT,default=50"`
	FrontendURL    string        `env:"FRONTEND_URL"`
	Env            string        `env:"APP_ENV,default=dev"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	// SendRate is websocket sends per second allowed per session.
	SendRate  float64 `env:"GEOCHAT_SEND_RATE,default=2"`
	SendBurst int     `env:"GEOCHAT_SEND_BURST,default=5"`
}

// LoadServerConfig reads envFile, when it exists, into the process
// environment and then decodes the environment. Variables already set win
// over the file.
func LoadServerConfig(envFile string) (ServerConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ServerConfig{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// normalize fills derived paths and rejects values the server cannot run with.
func (cfg *ServerConfig) normalize() error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch cfg.MessageBackend {
	case "":
		cfg.MessageBackend = BackendMemory
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("unknown message backend %q", cfg.MessageBackend)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath(cfg.DataDir)
	}
	if cfg.MessageBackend == BackendBadger && cfg.BadgerPath == "" {
		cfg.BadgerPath = filepath.Join(filepath.Dir(cfg.DBPath), "messages.badger")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SendRate <= 0 {
		return fmt.Errorf("GEOCHAT_SEND_RATE must be positive, got %v", cfg.SendRate)
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath(dataDir string) string {
	if dataDir != "" {
		return filepath.Join(dataDir, "geochat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "geochat", "geochat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Geochat", "geochat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Geochat", "geochat.db")
		}
		return filepath.Join(home, ".local", "share", "geochat", "geochat.db")
	}
	return filepath.Join(".", ".geochat", "geochat.db")
}
