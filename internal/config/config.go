package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	orchestration "github.com/koscakluka/ema-avatar/core"
)

// Config holds all configuration of the avatar backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Avatar     AvatarConfig     `mapstructure:"avatar"`
	Answers    AnswersConfig    `mapstructure:"answers"`
	Recognizer RecognizerConfig `mapstructure:"recognizer"`
	Session    SessionConfig    `mapstructure:"session"`
	LogLevel   string           `mapstructure:"loglevel"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr               string        `mapstructure:"addr"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	SupportedLanguages []string      `mapstructure:"supported_languages"`
}

// SpeechConfig holds the speech service account used for avatar and relay
// tokens.
type SpeechConfig struct {
	Region          string        `mapstructure:"region"`
	SubscriptionKey string        `mapstructure:"subscription_key"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
}

// AvatarConfig holds avatar synthesis settings
type AvatarConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Character string `mapstructure:"character"`
	Style     string `mapstructure:"style"`
	Voice     string `mapstructure:"voice"`
}

// AnswersConfig holds the answer stream endpoint settings. Provider selects
// the orchestrator function ("orcstream") or a model answering directly
// ("openai"). An empty endpoint uses the provider's default.
type AnswersConfig struct {
	Provider         string `mapstructure:"provider"`
	Endpoint         string `mapstructure:"endpoint"`
	Key              string `mapstructure:"key"`
	CompletionMarker string `mapstructure:"completion_marker"`
	PrincipalID      string `mapstructure:"principal_id"`
	PrincipalName    string `mapstructure:"principal_name"`
	Model            string `mapstructure:"model"`
	Instructions     string `mapstructure:"instructions"`
}

const (
	AnswersProviderOrcstream = "orcstream"
	AnswersProviderOpenAI    = "openai"
)

// RecognizerConfig holds speech recognition settings
type RecognizerConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Grant        bool          `mapstructure:"grant"`
	Model        string        `mapstructure:"model"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// FrameDuration is how much microphone audio is sent per recognizer
	// write.
	FrameDuration time.Duration `mapstructure:"frame_duration"`
}

// SessionConfig holds orchestrator settings
type SessionConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ChunkBufferSize int           `mapstructure:"chunk_buffer_size"`
	BargeIn         bool          `mapstructure:"barge_in"`
	FallbackMessage string        `mapstructure:"fallback_message"`
	Language        string        `mapstructure:"language"`
	EventQueueSize  int           `mapstructure:"event_queue_size"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	session := orchestration.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			HeartbeatInterval:  15 * time.Second,
			SupportedLanguages: []string{"en-US", "de-DE", "zh-CN", "nl-NL"},
		},
		Speech: SpeechConfig{
			Region:   "eastus2",
			TokenTTL: 9 * time.Minute,
		},
		Avatar: AvatarConfig{
			Character: "lisa",
			Style:     "casual-sitting",
			Voice:     "en-US-AvaMultilingualNeural",
		},
		Answers: AnswersConfig{
			Provider:         AnswersProviderOrcstream,
			CompletionMarker: "[DONE]",
		},
		Recognizer: RecognizerConfig{
			Grant:         true,
			Model:         "nova-3",
			MaxRetries:    session.RecognizerRetries,
			RetryBackoff:  250 * time.Millisecond,
			FrameDuration: 20 * time.Millisecond,
		},
		Session: SessionConfig{
			ConnectTimeout:  session.ConnectTimeout,
			ChunkBufferSize: session.ChunkBufferSize,
			BargeIn:         session.BargeIn,
			FallbackMessage: session.FallbackMessage,
			Language:        session.RecognitionLanguage,
			EventQueueSize:  session.EventQueueSize,
		},
		LogLevel: "info",
	}
}

// Environment variables understood besides the EMA_AVATAR_ prefixed keys.
// They are the names the browser client deployment already uses.
var envAliases = map[string][]string{
	"server.addr":                {"ADDR"},
	"server.supported_languages": {"SUPPORTED_LANGUAGES"},
	"speech.region":              {"AZURE_SPEECH_REGION"},
	"speech.subscription_key":    {"AZURE_SPEECH_API_KEY"},
	"avatar.endpoint":            {"AVATAR_ENDPOINT"},
	"answers.endpoint":           {"STREAMING_ENDPOINT"},
	"answers.key":                {"AVATAR_ORCHESTRATOR_FUNCTION_KEY", "OPENAI_API_KEY"},
	"recognizer.api_key":         {"DEEPGRAM_API_KEY"},
	"loglevel":                   {"LOGLEVEL"},
}

// Load reads configuration from a .env file, an optional config file and the
// environment. An empty path looks for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EMA_AVATAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		if err := v.BindEnv(append([]string{key, "EMA_AVATAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.SupportedLanguages = splitLanguages(cfg.Server.SupportedLanguages)

	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
// even when no config file mentions them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.heartbeat_interval", cfg.Server.HeartbeatInterval)
	v.SetDefault("server.supported_languages", cfg.Server.SupportedLanguages)
	v.SetDefault("speech.region", cfg.Speech.Region)
	v.SetDefault("speech.subscription_key", cfg.Speech.SubscriptionKey)
	v.SetDefault("speech.token_ttl", cfg.Speech.TokenTTL)
	v.SetDefault("avatar.endpoint", cfg.Avatar.Endpoint)
	v.SetDefault("avatar.character", cfg.Avatar.Character)
	v.SetDefault("avatar.style", cfg.Avatar.Style)
	v.SetDefault("avatar.voice", cfg.Avatar.Voice)
	v.SetDefault("answers.provider", cfg.Answers.Provider)
	v.SetDefault("answers.endpoint", cfg.Answers.Endpoint)
	v.SetDefault("answers.key", cfg.Answers.Key)
	v.SetDefault("answers.completion_marker", cfg.Answers.CompletionMarker)
	v.SetDefault("answers.principal_id", cfg.Answers.PrincipalID)
	v.SetDefault("answers.principal_name", cfg.Answers.PrincipalName)
	v.SetDefault("answers.model", cfg.Answers.Model)
	v.SetDefault("answers.instructions", cfg.Answers.Instructions)
	v.SetDefault("recognizer.api_key", cfg.Recognizer.APIKey)
	v.SetDefault("recognizer.grant", cfg.Recognizer.Grant)
	v.SetDefault("recognizer.model", cfg.Recognizer.Model)
	v.SetDefault("recognizer.max_retries", cfg.Recognizer.MaxRetries)
	v.SetDefault("recognizer.retry_backoff", cfg.Recognizer.RetryBackoff)
	v.SetDefault("recognizer.frame_duration", cfg.Recognizer.FrameDuration)
	v.SetDefault("session.connect_timeout", cfg.Session.ConnectTimeout)
	v.SetDefault("session.chunk_buffer_size", cfg.Session.ChunkBufferSize)
	v.SetDefault("session.barge_in", cfg.Session.BargeIn)
	v.SetDefault("session.fallback_message", cfg.Session.FallbackMessage)
	v.SetDefault("session.language", cfg.Session.Language)
	v.SetDefault("session.event_queue_size", cfg.Session.EventQueueSize)
	v.SetDefault("loglevel", cfg.LogLevel)
}

// splitLanguages accepts both list values and the comma separated form used
// in the environment.
func splitLanguages(values []string) []string {
	languages := []string{}
	for _, value := range values {
		for _, language := range strings.Split(value, ",") {
			if language = strings.TrimSpace(language); language != "" {
				languages = append(languages, language)
			}
		}
	}
	return languages
}

// Validate checks the configuration for values the backend cannot run with.
func (c *Config) Validate() error {
	var errs error
	if c.Server.Addr == "" {
		errs = errors.Join(errs, errors.New("server.addr is required"))
	}
	if c.Speech.Region == "" {
		errs = errors.Join(errs, errors.New("speech.region is required"))
	}
	switch c.Answers.Provider {
	case AnswersProviderOrcstream, AnswersProviderOpenAI:
	default:
		errs = errors.Join(errs, fmt.Errorf("answers.provider must be %q or %q, got %q",
			AnswersProviderOrcstream, AnswersProviderOpenAI, c.Answers.Provider))
	}
	if c.Session.ChunkBufferSize <= 0 {
		errs = errors.Join(errs, fmt.Errorf("session.chunk_buffer_size must be positive, got %d", c.Session.ChunkBufferSize))
	}
	if c.Session.ConnectTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("session.connect_timeout must be positive, got %s", c.Session.ConnectTimeout))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("server.heartbeat_interval must be positive, got %s", c.Server.HeartbeatInterval))
	}
	if c.Recognizer.MaxRetries < 0 {
		errs = errors.Join(errs, fmt.Errorf("recognizer.max_retries must not be negative, got %d", c.Recognizer.MaxRetries))
	}
	if c.Recognizer.FrameDuration <= 0 {
		errs = errors.Join(errs, fmt.Errorf("recognizer.frame_duration must be positive, got %s", c.Recognizer.FrameDuration))
	}
	if len(c.Server.SupportedLanguages) == 0 {
		errs = errors.Join(errs, errors.New("server.supported_languages must not be empty"))
	}
	return errs
}

// Orchestration returns the session settings in the orchestrator's form.
func (c *Config) Orchestration() orchestration.Config {
	return orchestration.Config{
		ConnectTimeout:      c.Session.ConnectTimeout,
		ChunkBufferSize:     c.Session.ChunkBufferSize,
		BargeIn:             c.Session.BargeIn,
		FallbackMessage:     c.Session.FallbackMessage,
		RecognitionLanguage: c.Session.Language,
		RecognizerRetries:   c.Recognizer.MaxRetries,
		EventQueueSize:      c.Session.EventQueueSize,
	}
}
