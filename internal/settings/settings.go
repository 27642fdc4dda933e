// Package settings loads the process configuration. Precedence, lowest first: built-in defaults, an optional
// YAML file, the .env file named by ENV_FILE, the process environment.
package settings

import (
	"os"
	"strconv"
	"strings"
	"time"

	"kubepulse/internal/types"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	CacheSQL   = "sql"
	CacheRedis = "redis"
	CacheDDB   = "ddb"
)

type Settings struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	StorageType string `yaml:"storage_type"`
	StoragePath string `yaml:"storage_path"`
	DatabaseURL string `yaml:"database_url"`
	// CacheBackend moves the cache table off the SQL engine.
	CacheBackend string `yaml:"cache_backend"`

	SNSTopicARN string `yaml:"sns_topic_arn"`

	StreamInterval          time.Duration `yaml:"stream_interval"`
	StreamTimeout           time.Duration `yaml:"stream_timeout"`
	StreamExpensiveInterval time.Duration `yaml:"stream_expensive_interval"`
	StreamExpensiveTimeout  time.Duration `yaml:"stream_expensive_timeout"`

	ReaperInterval time.Duration `yaml:"reaper_interval"`
	ReaperMaxAge   time.Duration `yaml:"reaper_max_age"`
	ReaperIdle     time.Duration `yaml:"reaper_idle"`

	TraceRetention      time.Duration `yaml:"trace_retention"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	ListCacheTTL        time.Duration `yaml:"list_cache_ttl"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Port:                    8080,
		LogLevel:                "info",
		StorageType:             StorageSQLite,
		StoragePath:             "kubepulse.db",
		CacheBackend:            CacheSQL,
		StreamInterval:          30 * time.Second,
		StreamTimeout:           15 * time.Second,
		StreamExpensiveInterval: 3 * time.Minute,
		StreamExpensiveTimeout:  60 * time.Second,
		ReaperInterval:          5 * time.Minute,
		ReaperMaxAge:            10 * time.Minute,
		ReaperIdle:              5 * time.Minute,
		TraceRetention:          7 * 24 * time.Hour,
		MaintenanceInterval:     10 * time.Minute,
		ListCacheTTL:            10 * time.Second,
	}
}

// Load builds Settings from yamlPath (may be empty) and the environment. The result is not validated.
func Load(yamlPath string) (Settings, error) {
	s := Defaults()
	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return s, types.Err(types.ErrInvalidSettings, err, "read settings file %s", yamlPath)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return s, types.Err(types.ErrInvalidSettings, err, "parse settings file %s", yamlPath)
		}
	}

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debugf("The %s file not found.", envFile)
	}

	var err error
	s.Port, err = envInt("PORT", s.Port, err)
	s.LogLevel = envString("LOG_LEVEL", s.LogLevel)
	s.LogJSON, err = envBool("LOG_JSON", s.LogJSON, err)
	s.StorageType = strings.ToLower(envString("STORAGE_TYPE", s.StorageType))
	s.StoragePath = envString("STORAGE_PATH", s.StoragePath)
	s.DatabaseURL = envString("DATABASE_URL", s.DatabaseURL)
	s.CacheBackend = strings.ToLower(envString("CACHE_BACKEND", s.CacheBackend))
	s.SNSTopicARN = envString("SNS_TOPIC_ARN", s.SNSTopicARN)
	s.StreamInterval, err = envDuration("STREAM_INTERVAL", s.StreamInterval, err)
	s.StreamTimeout, err = envDuration("STREAM_TIMEOUT", s.StreamTimeout, err)
	s.StreamExpensiveInterval, err = envDuration("STREAM_EXPENSIVE_INTERVAL", s.StreamExpensiveInterval, err)
	s.StreamExpensiveTimeout, err = envDuration("STREAM_EXPENSIVE_TIMEOUT", s.StreamExpensiveTimeout, err)
	s.ReaperInterval, err = envDuration("REAPER_INTERVAL", s.ReaperInterval, err)
	s.ReaperMaxAge, err = envDuration("REAPER_MAX_AGE", s.ReaperMaxAge, err)
	s.ReaperIdle, err = envDuration("REAPER_IDLE", s.ReaperIdle, err)
	s.TraceRetention, err = envDuration("TRACE_RETENTION", s.TraceRetention, err)
	s.MaintenanceInterval, err = envDuration("MAINTENANCE_INTERVAL", s.MaintenanceInterval, err)
	s.ListCacheTTL, err = envDuration("LIST_CACHE_TTL", s.ListCacheTTL, err)
	return s, err
}

// Validate rejects settings that cannot work, before any connection is attempted.
func (s Settings) Validate() error {
	switch s.StorageType {
	case StorageSQLite:
		if strings.TrimSpace(s.StoragePath) == "" {
			return types.Err(types.ErrInvalidSettings, nil, "STORAGE_PATH is required for sqlite storage")
		}
	case StoragePostgres:
		if s.DatabaseURL == "" {
			return types.Err(types.ErrInvalidSettings, nil, "DATABASE_URL is required for postgres storage")
		}
		if !strings.HasPrefix(s.DatabaseURL, "postgres://") && !strings.HasPrefix(s.DatabaseURL, "postgresql://") {
			return types.Err(types.ErrInvalidSettings, nil, "DATABASE_URL must start with postgres:// or postgresql://")
		}
	default:
		return types.Err(types.ErrInvalidSettings, nil, "unsupported STORAGE_TYPE %q", s.StorageType)
	}

	switch s.CacheBackend {
	case "", CacheSQL, CacheRedis, CacheDDB:
	default:
		return types.Err(types.ErrInvalidSettings, nil, "unsupported CACHE_BACKEND %q", s.CacheBackend)
	}

	if s.Port <= 0 || s.Port > 65535 {
		return types.Err(types.ErrInvalidSettings, nil, "invalid PORT %d", s.Port)
	}
	for name, d := range map[string]time.Duration{
		"STREAM_INTERVAL":           s.StreamInterval,
		"STREAM_TIMEOUT":            s.StreamTimeout,
		"STREAM_EXPENSIVE_INTERVAL": s.StreamExpensiveInterval,
		"STREAM_EXPENSIVE_TIMEOUT":  s.StreamExpensiveTimeout,
		"REAPER_INTERVAL":           s.ReaperInterval,
		"REAPER_MAX_AGE":            s.ReaperMaxAge,
		"REAPER_IDLE":               s.ReaperIdle,
		"MAINTENANCE_INTERVAL":      s.MaintenanceInterval,
	} {
		if d <= 0 {
			return types.Err(types.ErrInvalidSettings, nil, "%s must be positive", name)
		}
	}
	return nil
}

// ConfigureLogging applies level and format to the package-level logrus logger.
func ConfigureLogging(level string, json bool) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// envInt, envBool and envDuration keep the first error so Load can report it after reading every key.
func envInt(key string, def int, prev error) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, prev
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, firstErr(prev, types.Err(types.ErrInvalidSettings, err, "invalid %s", key))
	}
	return n, prev
}

func envBool(key string, def bool, prev error) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, prev
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, firstErr(prev, types.Err(types.ErrInvalidSettings, err, "invalid %s", key))
	}
	return b, prev
}

func envDuration(key string, def time.Duration, prev error) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, prev
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, firstErr(prev, types.Err(types.ErrInvalidSettings, err, "invalid %s", key))
	}
	return d, prev
}

func firstErr(prev, err error) error {
	if prev != nil {
		return prev
	}
	return err
}
