// Package config loads server settings from defaults, an optional config
// file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tenantstore/internal/storage"
	"tenantstore/internal/store"
)

// EnvPrefix prefixes every environment variable, e.g. TENANTSTORE_SERVER_PORT.
const EnvPrefix = "TENANTSTORE"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    store.Config   `mapstructure:"store"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Storage  storage.Config `mapstructure:"storage"`
	Services ServicesConfig `mapstructure:"services"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ProjectsConfig struct {
	Public   string        `mapstructure:"public"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type TasksConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxDepth  int           `mapstructure:"max_depth"`
	CacheSize int           `mapstructure:"cache_size"`
	Scheduler bool          `mapstructure:"scheduler"`
}

type ServicesConfig struct {
	SMSDryRun   bool          `mapstructure:"sms_dry_run"`
	EmailDryRun bool          `mapstructure:"email_dry_run"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// legacyEnv maps keys to unprefixed variable names that are also honored.
var legacyEnv = map[string][]string{
	"server.port":           {"PORT"},
	"store.backend":         {"DB_BACKEND"},
	"store.sqlite_path":     {"SQLITE_PATH"},
	"store.turso_url":       {"TURSO_DATABASE_URL"},
	"store.turso_token":     {"TURSO_AUTH_TOKEN"},
	"store.mongo_uri":       {"MONGODB_URI"},
	"logging.level":         {"LOGGING_LEVEL"},
	"logging.format":        {"LOGGING_FORMAT"},
	"storage.endpoint":      {"AWS_ENDPOINT_URL_S3"},
	"storage.access_key_id": {"AWS_ACCESS_KEY_ID"},
	"storage.secret_key":    {"AWS_SECRET_ACCESS_KEY"},
	"storage.bucket":        {"BUCKET_NAME"},
	"storage.region":        {"AWS_REGION"},
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8069")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "CONSOLE")
	v.SetDefault("store.backend", "")
	v.SetDefault("store.sqlite_path", "tenantstore.db")
	v.SetDefault("store.turso_url", "")
	v.SetDefault("store.turso_token", "")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("projects.public", "public")
	v.SetDefault("projects.cache_ttl", time.Minute)
	v.SetDefault("auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("tasks.timeout", 30*time.Second)
	v.SetDefault("tasks.max_depth", 5)
	v.SetDefault("tasks.cache_size", 256)
	v.SetDefault("tasks.scheduler", true)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("services.sms_dry_run", true)
	v.SetDefault("services.email_dry_run", true)
	v.SetDefault("services.http_timeout", 10*time.Second)
}

// New returns a viper instance wired to defaults and the environment.
// configFile may be empty; TENANTSTORE_CONFIG is used as a fallback.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, err
		}
	}

	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Store.Backend == "" {
		// auto-detect from connection settings
		switch {
		case cfg.Store.TursoURL != "":
			cfg.Store.Backend = store.BackendTurso
		case cfg.Store.MongoURI != "":
			cfg.Store.Backend = store.BackendMongo
		default:
			cfg.Store.Backend = store.BackendSQLite
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendTurso, store.BackendMongo:
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("tasks.timeout must be positive")
	}
	if c.Tasks.MaxDepth < 1 {
		return fmt.Errorf("tasks.max_depth must be at least 1")
	}
	if c.Projects.Public == "" {
		return fmt.Errorf("projects.public must not be empty")
	}
	return nil
}
