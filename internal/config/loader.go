// Package config loads the service configuration from an optional .env file,
// an optional config.yaml and ASSETIMPORT_* environment variables, in
// increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/rpattn/assetimport/internal/db"
)

const envPrefix = "ASSETIMPORT"

type Config struct {
	Database db.Config    `mapstructure:"database"`
	Redis    RedisConfig  `mapstructure:"redis"`
	Server   ServerConfig `mapstructure:"server"`
	Import   ImportConfig `mapstructure:"import"`
	Log      LogConfig    `mapstructure:"log"`
}

// RedisConfig selects the job queue. An empty Addr keeps the queue in memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	QueueName string `mapstructure:"queue_name" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// Workers is the number of jobs served concurrently by the serve command's embedded worker.
	Workers int `mapstructure:"workers" validate:"min=0"`
}

type ImportConfig struct {
	MaxRows              int           `mapstructure:"max_rows" validate:"min=1"`
	SampleRows           int           `mapstructure:"sample_rows" validate:"min=1"`
	MaxUploadBytes       int64         `mapstructure:"max_upload_bytes" validate:"min=1"`
	Concurrency          int           `mapstructure:"concurrency" validate:"min=0,max=16"`
	ProgressEvery        int           `mapstructure:"progress_every" validate:"min=1"`
	ProgressInterval     time.Duration `mapstructure:"progress_interval" validate:"min=0"`
	SubmitMaxAttempts    int           `mapstructure:"submit_max_attempts" validate:"min=1"`
	SubmitInitialBackoff time.Duration `mapstructure:"submit_initial_backoff" validate:"min=0"`
	JobTimeout           time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

func setDefaults(v *viper.Viper) {
	database := db.DefaultConfig()
	v.SetDefault("database.host", database.Host)
	v.SetDefault("database.port", database.Port)
	v.SetDefault("database.user", database.User)
	v.SetDefault("database.password", database.Password)
	v.SetDefault("database.dbname", database.DBName)
	v.SetDefault("database.sslmode", database.SSLMode)
	v.SetDefault("database.max_conns", database.MaxConns)
	v.SetDefault("database.min_conns", database.MinConns)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_name", "assetimport:jobs:pending")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.workers", 1)

	v.SetDefault("import.max_rows", 10000)
	v.SetDefault("import.sample_rows", 100)
	v.SetDefault("import.max_upload_bytes", 20<<20)
	v.SetDefault("import.concurrency", 0)
	v.SetDefault("import.progress_every", 25)
	v.SetDefault("import.progress_interval", time.Second)
	v.SetDefault("import.submit_max_attempts", 5)
	v.SetDefault("import.submit_initial_backoff", 200*time.Millisecond)
	v.SetDefault("import.job_timeout", 2*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from configPath (a directory holding config.yaml
// and optionally .env). Missing files are not an error.
func Load(configPath string) (Config, error) {
	if configPath == "" {
		configPath = "."
	}
	envFile := strings.TrimSuffix(configPath, "/") + "/.env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, errors.Wrap(err, "load .env")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config.yaml")
		}
		logrus.Debug("no config.yaml found, using defaults and environment")
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Debug("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}
