// Package config loads engine configuration from YAML and turns it into
// spherigo options, wiring up the optional object-store backend and Redis
// cell cache.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/oneminuta/spherigo"
	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/codec"
)

// RedisConfig configures the optional cell cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MinioConfig configures the optional S3-compatible cell backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Config is the YAML document. Zero values fall back to engine defaults.
type Config struct {
	DataDir string `yaml:"dataDir"`

	Codec         string `yaml:"codec"`
	BitsPerAxis   int    `yaml:"bitsPerAxis"`
	Depths        []int  `yaml:"depths"`
	FanoutCeiling int    `yaml:"fanoutCeiling"`
	MemberCap     int    `yaml:"memberCap"`
	SyncIndexing  bool   `yaml:"syncIndexing"`

	// RebuildRate throttles rebuild ledger reads, in records per second.
	RebuildRate float64 `yaml:"rebuildRate"`

	LogLevel  string `yaml:"logLevel"`  // debug, info, warn, error
	LogFormat string `yaml:"logFormat"` // text or json

	Redis *RedisConfig `yaml:"redis"`
	Minio *MinioConfig `yaml:"minio"`
}

// Default returns a config matching the engine defaults.
func Default() Config {
	return Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	if c.Codec != "" {
		if _, ok := codec.ByName(c.Codec); !ok {
			return fmt.Errorf("config: unknown codec %q", c.Codec)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown logFormat %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Minio != nil && c.Minio.Bucket == "" {
		return fmt.Errorf("config: minio.bucket must not be empty")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown logLevel %q", s)
	}
}

// Options translates the config into engine options, creating the Minio and
// Redis clients it references.
func (c Config) Options() ([]spherigo.Option, error) {
	var opts []spherigo.Option

	if c.Codec != "" {
		cd, _ := codec.ByName(c.Codec)
		opts = append(opts, spherigo.WithCodec(cd))
	}
	if c.BitsPerAxis > 0 {
		opts = append(opts, spherigo.WithBitsPerAxis(c.BitsPerAxis))
	}
	if len(c.Depths) > 0 {
		opts = append(opts, spherigo.WithDepths(c.Depths...))
	}
	if c.FanoutCeiling > 0 {
		opts = append(opts, spherigo.WithFanoutCeiling(c.FanoutCeiling))
	}
	if c.MemberCap > 0 {
		opts = append(opts, spherigo.WithMemberCap(c.MemberCap))
	}
	if c.SyncIndexing {
		opts = append(opts, spherigo.WithSyncIndexing())
	}
	if c.RebuildRate > 0 {
		opts = append(opts, spherigo.WithRebuildRate(rate.Limit(c.RebuildRate)))
	}

	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.LogFormat == "json" {
		opts = append(opts, spherigo.WithLogger(spherigo.NewJSONLogger(level)))
	} else {
		opts = append(opts, spherigo.WithLogLevel(level))
	}

	if c.Minio != nil {
		client, err := minio.New(c.Minio.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
			Secure: c.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("config: minio client: %w", err)
		}
		opts = append(opts, spherigo.WithBackend(cellstore.NewMinioBackend(client, c.Minio.Bucket, c.Minio.Prefix)))
	}

	if c.Redis != nil {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		opts = append(opts, spherigo.WithRedisCache(client, c.Redis.TTL))
	}

	return opts, nil
}
