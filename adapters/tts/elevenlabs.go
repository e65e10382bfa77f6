// Package tts adapts speech synthesis providers to the per-sentence
// synthesis contract used by the conversation pipeline.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModelID    = "eleven_flash_v2_5"
	defaultStability  = 0.5
	defaultClarity    = 0.75

	// The pipeline emits raw S16LE 16 kHz mono, same format as the inbound
	// microphone frames.
	outputFormat = "pcm_16000"
)

// ElevenLabsConfig holds configuration for the ElevenLabs adapter. APIKey is
// required; everything else falls back to a sensible default.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	LanguageCode string
	Stability    float64
	Clarity      float64
}

// NewElevenLabsConfigFromEnv builds a config from ELEVENLABS_* variables
// plus the pipeline locale.
func NewElevenLabsConfigFromEnv(language string) ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVENLABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVENLABS_BASE_URL"),
		VoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVENLABS_MODEL_ID"),
		LanguageCode: language,
	}
	if raw := os.Getenv("ELEVENLABS_STABILITY"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			config.Stability = value
		}
	}
	if raw := os.Getenv("ELEVENLABS_CLARITY"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			config.Clarity = value
		}
	}
	return config
}

// Validate checks the config for values the API would reject.
func (c ElevenLabsConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("ELEVENLABS_API_KEY is required")
	}
	if c.Stability != 0 && (c.Stability < 0 || c.Stability > 1) {
		return fmt.Errorf("stability must be between 0 and 1, got %f", c.Stability)
	}
	if c.Clarity != 0 && (c.Clarity < 0 || c.Clarity > 1) {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", c.Clarity)
	}
	return nil
}

// ElevenLabs renders sentences through the ElevenLabs streaming endpoint.
// One call returns the complete PCM for one sentence; the caller bounds the
// request with its own context deadline.
type ElevenLabs struct {
	config ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabs)(nil)

// NewElevenLabs creates the provider, applying defaults for unset optional
// config fields.
func NewElevenLabs(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabs, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}

	return &ElevenLabs{
		config: config,
		// Hard upper bound; per-sentence deadlines come from the caller.
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

func (e *ElevenLabs) Name() string {
	return "elevenlabs"
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text         string                  `json:"text"`
	ModelID      string                  `json:"model_id"`
	LanguageCode string                  `json:"language_code,omitempty"`
	Settings     elevenLabsVoiceSettings `json:"voice_settings"`
	// Normalization is off: spelled-out numbers and dates add latency and
	// the replies are already written for speech.
	Normalization string `json:"apply_text_normalization"`
}

// Synthesize renders one sentence and returns the complete PCM buffer.
func (e *ElevenLabs) Synthesize(ctx context.Context, sentence string) ([]byte, error) {
	if strings.TrimSpace(sentence) == "" {
		return nil, errors.New("sentence cannot be empty")
	}

	payload, err := json.Marshal(elevenLabsRequest{
		Text:         sentence,
		ModelID:      e.config.ModelID,
		LanguageCode: e.config.LanguageCode,
		Settings: elevenLabsVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
		},
		Normalization: "off",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.config.APIBaseURL, e.config.VoiceID, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs returned status %d: %s", resp.StatusCode, detail)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs returned no audio")
	}

	e.logger.Debug("Sentence synthesized",
		zap.Int("textLength", len(sentence)),
		zap.Int("audioBytes", len(audio)),
	)
	return audio, nil
}
