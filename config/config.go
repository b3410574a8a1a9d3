package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type (
	Config struct {
		Host      string `env:"COLLAB_HOST" envDefault:"127.0.0.1"`
		Port      int    `env:"COLLAB_PORT" envDefault:"4455"`
		Transport string `env:"COLLAB_TRANSPORT" envDefault:"websocket"`
		LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

		AllowedOrigins []string      `env:"COLLAB_ALLOWED_ORIGINS" envSeparator:","`
		SendBuffer     int           `env:"COLLAB_SEND_BUFFER" envDefault:"256"`
		WriteTimeout   time.Duration `env:"COLLAB_WRITE_TIMEOUT" envDefault:"10s"`
		MaxFrameBytes  int64         `env:"COLLAB_MAX_FRAME_BYTES" envDefault:"1048576"`

		// An empty secret leaves the API and peer endpoints open.
		JWTSecret string `env:"JWT_SECRET"`

		AutosaveInterval time.Duration `env:"AUTOSAVE_INTERVAL" envDefault:"30s"`

		Storage Storage
	}

	Storage struct {
		Type string `env:"STORAGE_TYPE" envDefault:"memory"`

		LocalPath      string `env:"LOCAL_STORAGE_PATH" envDefault:"./data"`
		DataSourceName string `env:"DATA_SOURCE_NAME" envDefault:"collab.db"`

		S3Bucket    string `env:"S3_BUCKET_NAME"`
		S3Prefix    string `env:"S3_PREFIX" envDefault:"collab"`
		S3Region    string `env:"AWS_REGION"`
		S3Endpoint  string `env:"S3_ENDPOINT"`
		S3PathStyle bool   `env:"S3_PATH_STYLE"`

		RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		RedisPassword string `env:"REDIS_PASSWORD"`
		RedisDB       int    `env:"REDIS_DB"`
		RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"collab:"`
	}
)

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
		logrus.Debug("No .env file found")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Storage.Type {
	case "memory", "filesystem", "sqlite", "s3", "redis":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3Bucket == "" {
		return errors.New("S3_BUCKET_NAME is required for s3 storage")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	return nil
}
