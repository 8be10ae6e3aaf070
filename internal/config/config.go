package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/comigor/localchat/internal/logger"
)

// Supported inference backend providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Backend BackendConfig
	UI      UIConfig
	Log     LogConfig
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the host:port the API listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// StorageConfig holds where persisted chat state lives
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// BackendConfig holds the inference backend configuration
type BackendConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// UIConfig points at a built single-page UI. Empty Dir disables static serving.
type UIConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("storage.path", "chat_history.db")
	v.SetDefault("backend.provider", ProviderOllama)
	v.SetDefault("backend.base_url", "http://localhost:11434/api")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.probe_timeout", 5*time.Second)
	v.SetDefault("ui.dir", "")
	v.SetDefault("log.level", "info")
}

// Load loads the configuration from config.yaml in the working directory, or from
// the file named by path (or CONFIG_PATH when path is empty). A missing default
// config file is not an error. LOCALCHAT_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LOCALCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports the first configuration value the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path must not be empty")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url must not be empty")
	}
	switch c.Backend.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported backend.provider %q (want %q or %q)", c.Backend.Provider, ProviderOllama, ProviderOpenAI)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be positive")
	}
	if c.Backend.ProbeTimeout <= 0 {
		return errors.New("backend.probe_timeout must be positive")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
