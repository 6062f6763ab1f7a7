package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeMock   = "mock"
	ModeBridge = "bridge"
)

// Config contains all runtime settings for the mock panel service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	CollaboratorMode string

	DatabaseURL  string
	RedisURL     string
	HistoryLimit int

	QuestionPoolPath string
	QuestionTarget   int
	RosterSize       int
	DiversityGender  string
	SpeakDelay       time.Duration
	ResumeDelay      time.Duration

	SpeechLanguage       string
	SpeechMaxRetries     int
	SpeechRetryBaseDelay time.Duration
	SpeechRetryMaxDelay  time.Duration
	SpeechRestartDelay   time.Duration

	CaptureAudioInterval     time.Duration
	CaptureVisualInterval    time.Duration
	CaptureSpeakingThreshold float64
	CaptureRecordingDir      string

	TranscriptMaxEntries int
	TranscriptDebounce   time.Duration
}

// Load reads an optional .env file and environment variables, then applies
// safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "mockpanel"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		CollaboratorMode:         strings.ToLower(envOrDefault("COLLABORATOR_MODE", ModeMock)),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		QuestionPoolPath:         stringsTrimSpace("QUESTION_POOL_PATH"),
		DiversityGender:          envOrDefault("PANEL_DIVERSITY_GENDER", "female"),
		SpeechLanguage:           envOrDefault("SPEECH_LANGUAGE", "en-US"),
		CaptureRecordingDir:      stringsTrimSpace("CAPTURE_RECORDING_DIR"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		HistoryLimit:             24,
		QuestionTarget:           12,
		RosterSize:               3,
		SpeakDelay:               1500 * time.Millisecond,
		ResumeDelay:              500 * time.Millisecond,
		SpeechMaxRetries:         3,
		SpeechRetryBaseDelay:     time.Second,
		SpeechRetryMaxDelay:      10 * time.Second,
		SpeechRestartDelay:       250 * time.Millisecond,
		CaptureAudioInterval:     100 * time.Millisecond,
		CaptureVisualInterval:    200 * time.Millisecond,
		CaptureSpeakingThreshold: 15,
		TranscriptMaxEntries:     1000,
		TranscriptDebounce:       100 * time.Millisecond,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"PANEL_SPEAK_DELAY", &cfg.SpeakDelay},
		{"PANEL_RESUME_DELAY", &cfg.ResumeDelay},
		{"SPEECH_RETRY_BASE_DELAY", &cfg.SpeechRetryBaseDelay},
		{"SPEECH_RETRY_MAX_DELAY", &cfg.SpeechRetryMaxDelay},
		{"SPEECH_RESTART_DELAY", &cfg.SpeechRestartDelay},
		{"CAPTURE_AUDIO_INTERVAL", &cfg.CaptureAudioInterval},
		{"CAPTURE_VISUAL_INTERVAL", &cfg.CaptureVisualInterval},
		{"TRANSCRIPT_DEBOUNCE", &cfg.TranscriptDebounce},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"QUESTION_HISTORY_LIMIT", &cfg.HistoryLimit},
		{"PANEL_QUESTION_TARGET", &cfg.QuestionTarget},
		{"PANEL_ROSTER_SIZE", &cfg.RosterSize},
		{"SPEECH_MAX_RETRIES", &cfg.SpeechMaxRetries},
		{"TRANSCRIPT_MAX_ENTRIES", &cfg.TranscriptMaxEntries},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.CaptureSpeakingThreshold, err = floatFromEnv("CAPTURE_SPEAKING_THRESHOLD", cfg.CaptureSpeakingThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.CollaboratorMode != ModeMock && c.CollaboratorMode != ModeBridge {
		return fmt.Errorf("COLLABORATOR_MODE must be %q or %q", ModeMock, ModeBridge)
	}
	if c.QuestionTarget <= 0 {
		return fmt.Errorf("PANEL_QUESTION_TARGET must be positive")
	}
	if c.RosterSize <= 0 {
		return fmt.Errorf("PANEL_ROSTER_SIZE must be positive")
	}
	if c.SpeakDelay < 0 || c.ResumeDelay < 0 {
		return fmt.Errorf("PANEL_SPEAK_DELAY and PANEL_RESUME_DELAY must be >= 0")
	}
	if c.SpeechMaxRetries <= 0 {
		return fmt.Errorf("SPEECH_MAX_RETRIES must be positive")
	}
	if c.SpeechRetryBaseDelay <= 0 || c.SpeechRetryMaxDelay < c.SpeechRetryBaseDelay {
		return fmt.Errorf("SPEECH_RETRY_MAX_DELAY must be >= SPEECH_RETRY_BASE_DELAY > 0")
	}
	if c.CaptureAudioInterval <= 0 || c.CaptureVisualInterval <= 0 {
		return fmt.Errorf("capture intervals must be positive")
	}
	if c.CaptureSpeakingThreshold <= 0 || c.CaptureSpeakingThreshold >= 100 {
		return fmt.Errorf("CAPTURE_SPEAKING_THRESHOLD must be within (0,100)")
	}
	if c.TranscriptMaxEntries <= 0 {
		return fmt.Errorf("TRANSCRIPT_MAX_ENTRIES must be positive")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("QUESTION_HISTORY_LIMIT must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
