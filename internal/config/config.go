package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM          LLMConfig
	Server       ServerConfig
	Storage      StorageConfig
	Conversation ConversationConfig
	Speech       SpeechConfig
	Log          LogConfig
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Stream       bool   `mapstructure:"stream"`
	MaxTokens    int    `mapstructure:"max_tokens"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StorageConfig selects the message store backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, bolt or memory
	Path   string `mapstructure:"path"`
}

// ConversationConfig tunes the conversation engine.
type ConversationConfig struct {
	Backend      string `mapstructure:"backend"` // framed or plain
	PromptWindow int    `mapstructure:"prompt_window"`
}

// SpeechConfig holds the speech-to-text configuration
type SpeechConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "CHATBOT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "Answer based on the conversation.")
	v.SetDefault("llm.stream", true)
	v.SetDefault("llm.max_tokens", 100)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "history.db")
	v.SetDefault("conversation.backend", "framed")
	v.SetDefault("conversation.prompt_window", 4)
	v.SetDefault("speech.enabled", false)
	v.SetDefault("speech.model", "whisper-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH),
// a .env file and CHATBOT_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

// Validate rejects values the rest of the application cannot work with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Conversation.Backend {
	case "framed", "plain":
	default:
		return fmt.Errorf("unsupported conversation backend %q", c.Conversation.Backend)
	}
	if c.Conversation.PromptWindow < 1 {
		return fmt.Errorf("conversation.prompt_window must be positive, got %d", c.Conversation.PromptWindow)
	}
	return nil
}
