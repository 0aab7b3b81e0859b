package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/pipeline"
	"github.com/hubenschmidt/mindmap/internal/session"
)

type config struct {
	Server   serverConfig   `mapstructure:"server"`
	Hume     humeConfig     `mapstructure:"hume"`
	Session  sessionConfig  `mapstructure:"session"`
	Audio    audioConfig    `mapstructure:"audio"`
	Trace    traceConfig    `mapstructure:"trace"`
	Narrator narratorConfig `mapstructure:"narrator"`
	LogLevel string         `mapstructure:"log_level"`
}

type serverConfig struct {
	Port           string `mapstructure:"port"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	MaxDashboards  int    `mapstructure:"max_dashboards"`
	CORSOrigin     string `mapstructure:"cors_origin"`
}

type humeConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Models       string        `mapstructure:"models"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

type sessionConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	Interval      time.Duration `mapstructure:"interval"`
	BucketSeconds float64       `mapstructure:"bucket_seconds"`
}

type audioConfig struct {
	Hop               time.Duration `mapstructure:"hop"`
	SpeechThresholdDB float64       `mapstructure:"speech_threshold_db"`
}

type traceConfig struct {
	Driver string `mapstructure:"driver"` // postgres or sqlite, empty disables
	DSN    string `mapstructure:"dsn"`
}

type narratorConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

func setDefaults(v *viper.Viper) {
	def := hume.DefaultConfig()
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.max_upload_bytes", pipeline.DefaultMaxUploadBytes)
	v.SetDefault("server.max_dashboards", 32)
	v.SetDefault("server.cors_origin", "http://localhost:5173")

	v.SetDefault("hume.base_url", def.BaseURL)
	v.SetDefault("hume.api_key", "")
	v.SetDefault("hume.models", string(def.Models))
	v.SetDefault("hume.initial_delay", def.InitialDelay)
	v.SetDefault("hume.max_delay", def.MaxDelay)
	v.SetDefault("hume.max_attempts", def.MaxAttempts)
	v.SetDefault("hume.job_timeout", 5*time.Minute)
	v.SetDefault("hume.pool_size", 4)

	v.SetDefault("session.capacity", session.DefaultCapacity)
	v.SetDefault("session.interval", session.DefaultInterval)
	v.SetDefault("session.bucket_seconds", session.DefaultBucketSeconds)

	v.SetDefault("audio.hop", 46*time.Millisecond)
	v.SetDefault("audio.speech_threshold_db", audio.DefaultVADConfig().SpeechThresholdDB)

	v.SetDefault("trace.driver", "")
	v.SetDefault("trace.dsn", "")

	v.SetDefault("narrator.base_url", "")
	v.SetDefault("narrator.api_key", "")
	v.SetDefault("narrator.model", "gpt-4o-mini")
	v.SetDefault("narrator.max_tokens", 200)
	v.SetDefault("narrator.system_prompt", "")

	v.SetDefault("log_level", "info")
}

// loadConfig layers defaults, an optional YAML file and the environment.
// Keys map to env vars with dots as underscores (SESSION_CAPACITY); the
// conventional names below are bound as well.
func loadConfig(path string) (config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mindmap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

var envAliases = map[string][]string{
	"server.port":               {"GATEWAY_PORT", "PORT"},
	"server.cors_origin":        {"CORS_ORIGIN"},
	"hume.api_key":              {"HUME_API_KEY"},
	"hume.base_url":             {"HUME_BASE_URL"},
	"trace.driver":              {"TRACE_DRIVER"},
	"trace.dsn":                 {"TRACE_DSN", "DATABASE_URL"},
	"narrator.api_key":          {"OPENAI_API_KEY"},
	"narrator.base_url":         {"OPENAI_BASE_URL"},
	"narrator.model":            {"NARRATOR_MODEL"},
	"session.capacity":          {"SESSION_CAPACITY"},
	"audio.speech_threshold_db": {"VAD_SPEECH_THRESHOLD_DB"},
}

func (c config) humeClient() *hume.Client {
	return hume.NewClient(hume.Config{
		BaseURL:      c.Hume.BaseURL,
		APIKey:       c.Hume.APIKey,
		Models:       []byte(c.Hume.Models),
		InitialDelay: c.Hume.InitialDelay,
		MaxDelay:     c.Hume.MaxDelay,
		MaxAttempts:  c.Hume.MaxAttempts,
		HTTPClient:   hume.NewHTTPClient(c.Hume.PoolSize, 60*time.Second),
	})
}

func (c config) vadConfig() audio.VADConfig {
	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = c.Audio.SpeechThresholdDB
	return vad
}

func (c config) narrator() *pipeline.Narrator {
	return pipeline.NewNarrator(pipeline.NarratorConfig{
		BaseURL:      c.Narrator.BaseURL,
		APIKey:       c.Narrator.APIKey,
		Model:        c.Narrator.Model,
		MaxTokens:    c.Narrator.MaxTokens,
		SystemPrompt: c.Narrator.SystemPrompt,
	})
}
