package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/tutorspeech/internal/audio"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	TTS         TTSConfig        `yaml:"tts"`
	LLM         LLMConfig        `yaml:"llm"`
	Cache       CacheConfig      `yaml:"cache"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

// TTSConfig configures the speech vendor. APIKey is sent verbatim as the
// Basic credential; it is checked per call rather than at startup.
type TTSConfig struct {
	Mode       string `yaml:"mode"` // stream, exec, mock
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	Model      string `yaml:"model"`
	SampleRate int    `yaml:"sample_rate"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLMinutes int  `yaml:"ttl_minutes"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Subject        string   `yaml:"subject"`
}

const defaultSystemPrompt = "You are a patient tutor for a course on React design patterns " +
	"(compound components, render props, hooks, higher-order components, context). " +
	"Answer in two or three short spoken sentences without code blocks or markdown."

func Default() Config {
	return Config{
		ServiceName: "tutorspeech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxBodyBytes:   64 << 10,
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		TTS: TTSConfig{
			Mode:       "stream",
			Endpoint:   "https://api.inworld.ai/tts/v1/voice:stream",
			Voice:      "Ashley",
			Model:      "inworld-tts-1",
			SampleRate: 24000,
			TimeoutMS:  120000,
		},
		LLM: LLMConfig{
			Enabled:      true,
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			SystemPrompt: defaultSystemPrompt,
			MaxTokens:    256,
			Temperature:  0.7,
			TimeoutMS:    60000,
		},
		Cache: CacheConfig{
			Enabled:    false,
			TTLMinutes: 60,
			MaxSizeMB:  256,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/tutorspeech.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    50000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "tutor.tts.completed",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "TUTOR_SERVICE_NAME")
	overrideString(&cfg.Environment, "TUTOR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TUTOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TUTOR_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "TUTOR_HTTP_MAX_BODY_BYTES")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "TUTOR_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "TUTOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "TUTOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TUTOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TUTOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "TUTOR_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.TTS.Mode, "TUTOR_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "TUTOR_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "TUTOR_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "TUTOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "TUTOR_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "TUTOR_TTS_MODEL")
	overrideInt(&cfg.TTS.SampleRate, "TUTOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutMS, "TUTOR_TTS_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "TUTOR_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "TUTOR_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "TUTOR_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "TUTOR_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "TUTOR_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "TUTOR_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "TUTOR_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "TUTOR_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "TUTOR_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "TUTOR_LLM_TIMEOUT_MS")
	overrideBool(&cfg.Cache.Enabled, "TUTOR_CACHE_ENABLED")
	overrideInt(&cfg.Cache.TTLMinutes, "TUTOR_CACHE_TTL_MINUTES")
	overrideInt(&cfg.Cache.MaxSizeMB, "TUTOR_CACHE_MAX_SIZE_MB")
	overrideString(&cfg.EventStore.Path, "TUTOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TUTOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TUTOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "TUTOR_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.Bus.Enabled, "TUTOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TUTOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TUTOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TUTOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TUTOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TUTOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TUTOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TUTOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TUTOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TUTOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Subject, "TUTOR_BUS_SUBJECT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}

	switch cfg.TTS.Mode {
	case "stream", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of stream|exec|mock")
	}
	if cfg.TTS.Mode == "stream" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=stream")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if !audio.ValidSampleRate(cfg.TTS.SampleRate) {
		return fmt.Errorf("tts.sample_rate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate)
	}
	if cfg.TTS.TimeoutMS < 0 {
		return errors.New("tts.timeout_ms must be >= 0")
	}

	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.TTLMinutes <= 0 {
			return errors.New("cache.ttl_minutes must be positive when cache is enabled")
		}
		if cfg.Cache.MaxSizeMB < 0 {
			return errors.New("cache.max_size_mb must be >= 0")
		}
	}

	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
	}
	return nil
}
