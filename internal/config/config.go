package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config aggregates every section of service configuration.
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Affect     AffectConfig
	Classifier ClassifierConfig
	Speech     SpeechConfig
	Telemetry  TelemetryConfig
}

// Load reads configuration from the environment. When AFFECT_CONFIG_FILE is
// set, the YAML file overrides the affect section after env parsing.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	affect, err := loadAffectConfig()
	if err != nil {
		return nil, err
	}

	classifier, err := loadClassifierConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	telemetry, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Affect:     affect,
		Classifier: classifier,
		Speech:     speech,
		Telemetry:  telemetry,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	// ":8080" and "127.0.0.1:8080" are accepted as-is.
	if strings.Contains(port, ":") {
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the chat model used for replies and LLM text classification.
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	ReplyTimeout   time.Duration
	TranscriptTail int
}

// Enabled reports whether model credentials were supplied.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and Model, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	replyTimeout, err := parseDurationEnv("AI_REPLY_TIMEOUT", 20*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	tail := 10
	if override, err := parseOptionalIntEnv("AI_TRANSCRIPT_TAIL"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		tail = max(*override, 1)
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		ReplyTimeout:   replyTimeout,
		TranscriptTail: tail,
	}, nil
}

// AffectConfig tunes sampling and fusion.
type AffectConfig struct {
	SampleInterval  time.Duration `yaml:"sample_interval"`
	StalenessWindow time.Duration `yaml:"staleness_window"`
	Decay           string        `yaml:"decay"`
	HistoryCapacity int           `yaml:"history_capacity"`
	PushDelta       float64       `yaml:"push_delta"`
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	Preprocess      bool          `yaml:"preprocess"`
}

func loadAffectConfig() (AffectConfig, error) {
	var (
		cfg AffectConfig
		err error
	)
	if cfg.SampleInterval, err = parseDurationEnv("AFFECT_SAMPLE_INTERVAL", 2*time.Second); err != nil {
		return AffectConfig{}, err
	}
	if cfg.StalenessWindow, err = parseDurationEnv("AFFECT_STALENESS_WINDOW", 10*time.Second); err != nil {
		return AffectConfig{}, err
	}
	if cfg.CaptureTimeout, err = parseDurationEnv("AFFECT_CAPTURE_TIMEOUT", 5*time.Second); err != nil {
		return AffectConfig{}, err
	}
	cfg.Decay = strings.ToLower(getEnvOrDefault("AFFECT_DECAY", "linear"))

	cfg.HistoryCapacity = 32
	if capacity, err := parseOptionalIntEnv("AFFECT_HISTORY_CAPACITY"); err != nil {
		return AffectConfig{}, err
	} else if capacity != nil {
		cfg.HistoryCapacity = *capacity
	}

	cfg.PushDelta = 0.1
	if delta, err := parseOptionalFloatEnv("AFFECT_PUSH_DELTA"); err != nil {
		return AffectConfig{}, err
	} else if delta != nil {
		cfg.PushDelta = *delta
	}

	if cfg.Preprocess, err = parseBoolEnv("AFFECT_PREPROCESS", true); err != nil {
		return AffectConfig{}, err
	}

	if path := strings.TrimSpace(os.Getenv("AFFECT_CONFIG_FILE")); path != "" {
		if err := cfg.overrideFromFile(path); err != nil {
			return AffectConfig{}, err
		}
	}

	return cfg, cfg.Validate()
}

// overrideFromFile applies the keys present in a YAML file; absent keys keep
// their env values.
func (c *AffectConfig) overrideFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read AFFECT_CONFIG_FILE: %w", err)
	}

	var doc struct {
		Affect *AffectConfig `yaml:"affect"`
	}
	doc.Affect = c
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse AFFECT_CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the fusion engine cannot work with.
func (c AffectConfig) Validate() error {
	switch {
	case c.SampleInterval <= 0:
		return fmt.Errorf("affect sample interval must be positive, got %s", c.SampleInterval)
	case c.StalenessWindow <= 0:
		return fmt.Errorf("affect staleness window must be positive, got %s", c.StalenessWindow)
	case c.HistoryCapacity < 1:
		return fmt.Errorf("affect history capacity must be at least 1, got %d", c.HistoryCapacity)
	case c.PushDelta < 0 || c.PushDelta > 1:
		return fmt.Errorf("affect push delta must be within [0,1], got %v", c.PushDelta)
	}
	switch c.Decay {
	case "linear", "exponential", "step":
		return nil
	default:
		return fmt.Errorf("unknown AFFECT_DECAY %q", c.Decay)
	}
}

// ClassifierConfig locates the external emotion classifiers.
type ClassifierConfig struct {
	FacialURL  string
	TextURL    string
	LLMEnabled bool
	Timeout    time.Duration
}

func loadClassifierConfig() (ClassifierConfig, error) {
	timeout, err := parseDurationEnv("CLASSIFIER_TIMEOUT", 10*time.Second)
	if err != nil {
		return ClassifierConfig{}, err
	}

	llm, err := parseBoolEnv("TEXT_CLASSIFIER_LLM_ENABLED", false)
	if err != nil {
		return ClassifierConfig{}, err
	}

	return ClassifierConfig{
		FacialURL:  strings.TrimRight(getEnvOrDefault("FACIAL_CLASSIFIER_URL", ""), "/"),
		TextURL:    strings.TrimRight(getEnvOrDefault("TEXT_CLASSIFIER_URL", ""), "/"),
		LLMEnabled: llm,
		Timeout:    timeout,
	}, nil
}

// SpeechConfig holds Volcengine speech credentials and voice defaults.
type SpeechConfig struct {
	AppID       string
	AccessToken string
	ASRURL      string
	TTSURL      string
	ASRLanguage string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	Timeout     time.Duration
	Enabled     bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout := 30 * time.Second
	if seconds, err := parseOptionalIntEnv("SPEECH_TIMEOUT"); err != nil {
		return SpeechConfig{}, err
	} else if seconds != nil {
		timeout = time.Duration(*seconds) * time.Second
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:       appID,
		AccessToken: accessToken,
		ASRURL:      getEnvOrDefault("SPEECH_ASR_URL", ""),
		TTSURL:      getEnvOrDefault("SPEECH_TTS_URL", ""),
		ASRLanguage: getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		TTSVoice:    getEnvOrDefault("SPEECH_TTS_VOICE", "en_female_skye_emo_v2_mars_bigtts"),
		TTSSpeed:    ttsSpeed,
		TTSVolume:   ttsVolume,
		TTSLanguage: getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en-US"),
		Timeout:     timeout,
		Enabled:     appID != "" && accessToken != "",
	}, nil
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string
	SampleRatio float64
	Environment string
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	ratio := 1.0
	if override, err := parseOptionalFloatEnv("OTEL_SAMPLE_RATIO"); err != nil {
		return TelemetryConfig{}, err
	} else if override != nil {
		if *override < 0 || *override > 1 {
			return TelemetryConfig{}, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1], got %v", *override)
		}
		ratio = *override
	}

	return TelemetryConfig{
		Exporter:    strings.ToLower(getEnvOrDefault("OTEL_EXPORTER", "none")),
		SampleRatio: ratio,
		Environment: getEnvOrDefault("APP_ENV", "development"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("1500ms") or bare seconds ("2").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
