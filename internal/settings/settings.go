// Package settings loads the process-level configuration this service
// reads on boot. This is distinct from the per-calendar pageconfig.Config
// documents the core operates on: those are untrusted, hot-reloaded JSON
// files under CONFIG_DIR, never viper-bound.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every environment-derived knob the binary needs to boot.
type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Paths   PathSettings    `mapstructure:"paths"`
	Log     LogSettings     `mapstructure:"log"`
	Cache   CacheSettings   `mapstructure:"cache"`
	Worker  WorkerSettings  `mapstructure:"worker"`
}

// ServerSettings configures the HTTP dispatch surface.
type ServerSettings struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PathSettings names the three directories the core and its collaborators
// read from and write to (see spec §6 Environment).
type PathSettings struct {
	CacheDir     string `mapstructure:"cache_dir"`
	ConfigDir    string `mapstructure:"config_dir"`
	TemplatesDir string `mapstructure:"templates_dir"`
}

// LogSettings configures internal/logging.New.
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheSettings bounds internal/cache's in-memory tier and optional Redis mirror.
type CacheSettings struct {
	MemoryEntries int    `mapstructure:"memory_entries"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// WorkerSettings bounds internal/worker's subprocess concurrency.
type WorkerSettings struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
	BinaryPath    string        `mapstructure:"binary_path"`
}

// Load binds environment variables (CALVIEW_* prefix, underscore-separated)
// over the defaults below and unmarshals into Settings. configPath, when
// non-empty, additionally layers a YAML file beneath the environment.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("CALVIEW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	bindEnvAliases(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("paths.cache_dir", "./data/cache")
	v.SetDefault("paths.config_dir", "./data/configs")
	v.SetDefault("paths.templates_dir", "./data/templates")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("cache.memory_entries", 256)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.render_timeout", "60s")
	v.SetDefault("worker.binary_path", "")
}

// bindEnvAliases exposes the plain, unprefixed environment variable names
// spec.md §6 names directly (CACHE_DIR, CONFIG_DIR, TEMPLATES_DIR), in
// addition to the CALVIEW_PATHS_* namespaced form AutomaticEnv already binds.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("paths.cache_dir", "CACHE_DIR")
	_ = v.BindEnv("paths.config_dir", "CONFIG_DIR")
	_ = v.BindEnv("paths.templates_dir", "TEMPLATES_DIR")
}
