package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
	ModeTesting     = "testing"

	developmentSecretKey = "foliumscope-secret-key-2024"
)

type Config struct {
	Mode string `yaml:"mode"`

	Server struct {
		Host      string `yaml:"host"`
		Port      string `yaml:"port"`
		SecretKey string `yaml:"secret_key"`
		CORS      bool   `yaml:"cors"`
	} `yaml:"server"`

	Session struct {
		Lifetime time.Duration `yaml:"lifetime"`
	} `yaml:"session"`

	Uploads struct {
		Dir               string   `yaml:"dir"`
		MaxBytes          int64    `yaml:"max_bytes"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
		TimestampPrefix   bool     `yaml:"timestamp_prefix"`
		Keep              bool     `yaml:"keep"`
	} `yaml:"uploads"`

	Model struct {
		Path           string `yaml:"path"`
		MetadataPath   string `yaml:"metadata_path"`
		Engine         string `yaml:"engine"`
		Required       bool   `yaml:"required"`
		ORTLibraryPath string `yaml:"ort_library_path"`
		ImageSize      int    `yaml:"image_size"`
		Layout         string `yaml:"layout"`
		Resample       string `yaml:"resample"`
		Threads        int    `yaml:"threads"`
	} `yaml:"model"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func Default() Config {
	var c Config
	c.Mode = ModeDevelopment
	c.Server.Port = "8080"
	c.Server.CORS = true
	c.Session.Lifetime = time.Hour
	c.Uploads.Dir = "uploads"
	c.Uploads.MaxBytes = 5 * 1024 * 1024
	c.Uploads.AllowedExtensions = []string{"png", "jpg", "jpeg"}
	c.Uploads.TimestampPrefix = true
	c.Model.Path = "models/model.onnx"
	c.Model.MetadataPath = "models/model_metadata.json"
	c.Model.Engine = "graph"
	c.Model.ImageSize = 256
	c.Model.Layout = "nhwc"
	c.Model.Resample = "bicubic"
	c.Log.Level = "info"
	c.Metrics.Enabled = true
	return c
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order of precedence.
func Load() (Config, error) {
	cfg := Default()

	path := configFilePath()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv()
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	for _, p := range []string{".config.yaml", "config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.Mode = mustEnv("APP_ENV", c.Mode)

	c.Server.Host = mustEnv("HOST", c.Server.Host)
	c.Server.Port = mustEnv("PORT", c.Server.Port)
	c.Server.SecretKey = mustEnv("SECRET_KEY", c.Server.SecretKey)
	c.Server.CORS = mustEnvBool("CORS_ENABLED", c.Server.CORS)

	c.Session.Lifetime = mustEnvDuration("SESSION_LIFETIME", c.Session.Lifetime)

	c.Uploads.Dir = mustEnv("UPLOAD_FOLDER", c.Uploads.Dir)
	c.Uploads.MaxBytes = int64(mustEnvInt("MAX_CONTENT_LENGTH", int(c.Uploads.MaxBytes)))
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		c.Uploads.AllowedExtensions = strings.Split(v, ",")
	}
	c.Uploads.TimestampPrefix = mustEnvBool("UPLOAD_TIMESTAMP_PREFIX", c.Uploads.TimestampPrefix)
	c.Uploads.Keep = mustEnvBool("KEEP_UPLOADS", c.Uploads.Keep)

	c.Model.Path = mustEnv("MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = mustEnv("MODEL_METADATA_PATH", c.Model.MetadataPath)
	c.Model.Engine = mustEnv("MODEL_ENGINE", c.Model.Engine)
	c.Model.Required = mustEnvBool("MODEL_REQUIRED", c.Model.Required)
	c.Model.ORTLibraryPath = mustEnv("ORT_LIBRARY_PATH", c.Model.ORTLibraryPath)
	c.Model.ImageSize = mustEnvInt("IMAGE_SIZE", c.Model.ImageSize)
	c.Model.Layout = mustEnv("IMAGE_LAYOUT", c.Model.Layout)
	c.Model.Resample = mustEnv("RESAMPLE", c.Model.Resample)
	c.Model.Threads = mustEnvInt("MODEL_THREADS", c.Model.Threads)

	c.Log.Level = mustEnv("LOG_LEVEL", c.Log.Level)
	c.Metrics.Enabled = mustEnvBool("METRICS_ENABLED", c.Metrics.Enabled)

	c.RateLimit.RPS = mustEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = mustEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
}

func (c *Config) finalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" || c.Mode == "default" {
		c.Mode = ModeDevelopment
	}

	exts := make([]string, 0, len(c.Uploads.AllowedExtensions))
	for _, ext := range c.Uploads.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.Uploads.AllowedExtensions = exts
	c.Model.Engine = strings.ToLower(strings.TrimSpace(c.Model.Engine))
	c.Model.Layout = strings.ToLower(strings.TrimSpace(c.Model.Layout))
	c.Model.Resample = strings.ToLower(strings.TrimSpace(c.Model.Resample))

	if c.Mode == ModeTesting {
		c.Log.Level = "debug"
	}
	// production has no fallback key: Validate reports the missing SECRET_KEY
	if c.Mode != ModeProduction && c.Server.SecretKey == "" {
		c.Server.SecretKey = developmentSecretKey
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeDevelopment, ModeProduction, ModeTesting:
	default:
		errs = append(errs, fmt.Errorf("unknown APP_ENV %q", c.Mode))
	}
	if c.Mode == ModeProduction && c.Server.SecretKey == "" {
		errs = append(errs, errors.New("no SECRET_KEY set for production"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, errors.New("uploads.max_bytes must be positive"))
	}
	if len(c.Uploads.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("at least one allowed extension is required"))
	}
	if c.Model.Engine != "graph" && c.Model.Engine != "quantized" {
		errs = append(errs, fmt.Errorf("unknown model engine %q", c.Model.Engine))
	}
	if c.Model.Layout != "nhwc" && c.Model.Layout != "nchw" {
		errs = append(errs, fmt.Errorf("unknown image layout %q", c.Model.Layout))
	}
	if c.Model.ImageSize <= 0 {
		errs = append(errs, errors.New("model.image_size must be positive"))
	}
	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session.lifetime must be positive"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
