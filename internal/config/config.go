package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	CORS    CORSConfig    `mapstructure:"cors"`

	ModelGroups []ModelGroup `mapstructure:"model_groups"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

// ProxyConfig holds the gateway-level knobs: compaction behavior and the
// session state bounds that keep per-conversation memory in check.
type ProxyConfig struct {
	ToolCompressionEnabled   bool          `mapstructure:"tool_compression_enabled"`
	PromptCompressionEnabled bool          `mapstructure:"prompt_compression_enabled"`
	MinPrefixLength          int           `mapstructure:"min_prefix_length"`
	SessionTTL               time.Duration `mapstructure:"session_ttl"`
	MaxSessions              int           `mapstructure:"max_sessions"`
	HTTPCompressionEnabled   bool          `mapstructure:"http_compression_enabled"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/ollamux")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Per-developer overlay: config.local.yaml is merged on top of the base
	// file and never checked in.
	if used := viper.ConfigFileUsed(); used != "" {
		local := viper.New()
		local.SetConfigFile(localOverlayPath(used))
		if err := local.ReadInConfig(); err == nil {
			if err := viper.MergeConfigMap(local.AllSettings()); err != nil {
				return nil, fmt.Errorf("error merging local config overlay: %w", err)
			}
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	expandCredentials(&config)

	// Global kill switch: with HTTP compression disabled, per-backend
	// compression flags are ignored so every transport stays identity-encoded.
	if !config.Proxy.HTTPCompressionEnabled {
		for gi := range config.ModelGroups {
			for bi := range config.ModelGroups[gi].Backends {
				config.ModelGroups[gi].Backends[bi].Compression = false
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func localOverlayPath(base string) string {
	ext := ".yaml"
	if len(base) >= len(ext) && base[len(base)-len(ext):] == ext {
		return base[:len(base)-len(ext)] + ".local" + ext
	}
	return base + ".local"
}

// expandCredentials resolves ${ENV_VAR} references in backend API keys so
// secrets stay out of checked-in config files.
func expandCredentials(cfg *Config) {
	for gi := range cfg.ModelGroups {
		for bi := range cfg.ModelGroups[gi].Backends {
			key := cfg.ModelGroups[gi].Backends[bi].APIKey
			if len(key) > 3 && key[0] == '$' && key[1] == '{' && key[len(key)-1] == '}' {
				if v := os.Getenv(key[2 : len(key)-1]); v != "" {
					cfg.ModelGroups[gi].Backends[bi].APIKey = v
				}
			}
		}
	}
}

// Validate checks the parts of the configuration that must be sound before
// any request is served: every routable group needs at least one backend and
// every backend needs a known family tag.
func (c *Config) Validate() error {
	seen := make(map[string]string)
	for _, group := range c.ModelGroups {
		if len(group.Backends) == 0 {
			return fmt.Errorf("model group %q has no backends configured", group.Name)
		}
		for _, backend := range group.Backends {
			if !backend.Family.Valid() {
				return fmt.Errorf("model group %q: unknown backend family %q", group.Name, backend.Family)
			}
			if backend.Family != FamilyMock && backend.BaseURL == "" {
				return fmt.Errorf("model group %q: backend %q has no base_url", group.Name, backend.Name)
			}
		}
		for virtual := range group.Models {
			if owner, dup := seen[virtual]; dup {
				return fmt.Errorf("virtual model %q defined in both group %q and group %q", virtual, owner, group.Name)
			}
			seen[virtual] = group.Name
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 11435)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("proxy.tool_compression_enabled", true)
	viper.SetDefault("proxy.prompt_compression_enabled", true)
	viper.SetDefault("proxy.min_prefix_length", 64)
	viper.SetDefault("proxy.session_ttl", "15m")
	viper.SetDefault("proxy.max_sessions", 512)
	viper.SetDefault("proxy.http_compression_enabled", true)

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	viper.BindEnv("server.host", "OLLAMUX_HOST")
	viper.BindEnv("server.port", "OLLAMUX_PORT")
	viper.BindEnv("server.metrics_port", "OLLAMUX_METRICS_PORT")

	viper.BindEnv("proxy.tool_compression_enabled", "OLLAMUX_TOOL_COMPRESSION")
	viper.BindEnv("proxy.prompt_compression_enabled", "OLLAMUX_PROMPT_COMPRESSION")
	viper.BindEnv("proxy.http_compression_enabled", "OLLAMUX_HTTP_COMPRESSION")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")
}
