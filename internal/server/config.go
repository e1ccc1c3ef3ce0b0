package server

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds the runtime configuration, parsed from the environment
// with github.com/caarlos0/env.
type Config struct {
	Addr    string `env:"FILES_INTAKE_ADDR" envDefault:":8080"`
	Backend string `env:"FILES_INTAKE_BACKEND" envDefault:"local"`

	DataDir        string `env:"FILES_INTAKE_DATA_DIR" envDefault:"./data/uploads"`
	MetadataDriver string `env:"FILES_INTAKE_METADATA_DRIVER" envDefault:"json"`
	MetadataDir    string `env:"FILES_INTAKE_METADATA_DIR" envDefault:"./data/metadata"`
	DBPath         string `env:"FILES_INTAKE_DB_PATH" envDefault:"./data/files.db"`

	MaxSize           int64    `env:"FILES_INTAKE_MAX_SIZE" envDefault:"10485760"`
	AllowedMimeTypes  []string `env:"FILES_INTAKE_ALLOWED_MIME_TYPES" envSeparator:"," envDefault:"image/jpeg,image/png,image/gif,image/webp,application/pdf,text/plain"`
	AllowedExtensions []string `env:"FILES_INTAKE_ALLOWED_EXTENSIONS" envSeparator:"," envDefault:".jpg,.jpeg,.png,.gif,.webp,.pdf,.txt"`

	OperationTimeout time.Duration `env:"FILES_INTAKE_OPERATION_TIMEOUT" envDefault:"30s"`
	CORSOrigins      []string      `env:"FILES_INTAKE_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel         string        `env:"FILES_INTAKE_LOG_LEVEL" envDefault:"info"`

	S3 S3Config `envPrefix:"FILES_INTAKE_S3_"`
}

// S3Config configures the remote backend.
type S3Config struct {
	Endpoint   string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	UseSSL     bool   `env:"USE_SSL" envDefault:"false"`
	Bucket     string `env:"BUCKET" envDefault:"uploads"`
	Folder     string `env:"FOLDER" envDefault:"files-intake"`
	PublicBase string `env:"PUBLIC_BASE" envDefault:"http://localhost:9000/uploads"`
	ListLimit  int    `env:"LIST_LIMIT" envDefault:"500"`
}

// Validate checks values env defaults cannot guard.
func (c *Config) Validate() error {
	switch c.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	switch c.MetadataDriver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown metadata driver %q", c.MetadataDriver)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max size must be positive, got %d", c.MaxSize)
	}
	if c.Backend == "remote" && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return fmt.Errorf("remote backend requires S3 access and secret keys")
	}
	return nil
}

// NewLogger builds the JSON logger used as the process default.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
