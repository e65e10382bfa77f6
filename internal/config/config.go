package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort         = "8765"
	defaultLanguageCode = "nl"
	defaultSTTProvider  = "deepgram"
	defaultLLMProvider  = "openai"
	defaultTTSProvider  = "elevenlabs"
	defaultKafkaTopic   = "dolores.transcripts"

	defaultPlaybackAckTimeout = 30 * time.Second
	defaultPostPlaybackMute   = 500 * time.Millisecond
	defaultPostInterruptMute  = 150 * time.Millisecond
)

// Config carries the process-level settings. Provider credentials stay with
// the adapters that use them; this struct only decides which providers get
// built and how the pipeline's tunable windows are sized.
type Config struct {
	Port         string
	LanguageCode string

	STTProvider string
	LLMProvider string
	TTSProvider string

	// WSAuthSecret enables the JWT gate on /ws when non-empty.
	WSAuthSecret string

	// KafkaBrokers enables transcript publishing when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	PlaybackAckTimeout time.Duration
	PostPlaybackMute   time.Duration
	PostInterruptMute  time.Duration
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         envOrDefault("PORT", defaultPort),
		LanguageCode: envOrDefault("LANGUAGE_CODE", defaultLanguageCode),
		STTProvider:  strings.ToLower(envOrDefault("STT_PROVIDER", defaultSTTProvider)),
		LLMProvider:  strings.ToLower(envOrDefault("LLM_PROVIDER", defaultLLMProvider)),
		TTSProvider:  strings.ToLower(envOrDefault("TTS_PROVIDER", defaultTTSProvider)),
		WSAuthSecret: os.Getenv("WS_AUTH_SECRET"),
		KafkaTopic:   envOrDefault("KAFKA_TOPIC", defaultKafkaTopic),

		PlaybackAckTimeout: defaultPlaybackAckTimeout,
		PostPlaybackMute:   defaultPostPlaybackMute,
		PostInterruptMute:  defaultPostInterruptMute,
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, broker := range strings.Split(brokers, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	var err error
	if cfg.PlaybackAckTimeout, err = durationMsFromEnv("PLAYBACK_ACK_TIMEOUT_MS", defaultPlaybackAckTimeout); err != nil {
		return nil, err
	}
	if cfg.PostPlaybackMute, err = durationMsFromEnv("POST_PLAYBACK_MUTE_MS", defaultPostPlaybackMute); err != nil {
		return nil, err
	}
	if cfg.PostInterruptMute, err = durationMsFromEnv("POST_INTERRUPT_MUTE_MS", defaultPostInterruptMute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown provider names and zero recovery windows. The
// mute windows and the playback acknowledgement timeout keep the echo
// discipline alive; running with any of them disabled is never correct.
func (c *Config) Validate() error {
	switch c.STTProvider {
	case "deepgram", "google", "mock":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}
	switch c.LLMProvider {
	case "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.TTSProvider {
	case "elevenlabs", "mock":
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.PlaybackAckTimeout <= 0 {
		return fmt.Errorf("PLAYBACK_ACK_TIMEOUT_MS must be positive, got %s", c.PlaybackAckTimeout)
	}
	if c.PostPlaybackMute <= 0 {
		return fmt.Errorf("POST_PLAYBACK_MUTE_MS must be positive, got %s", c.PostPlaybackMute)
	}
	if c.PostInterruptMute <= 0 {
		return fmt.Errorf("POST_INTERRUPT_MUTE_MS must be positive, got %s", c.PostInterruptMute)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationMsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer millisecond count: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
