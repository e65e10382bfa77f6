package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/adapters/llm"
	"github.com/doloresvoice/dolores/server/adapters/stt"
	"github.com/doloresvoice/dolores/server/adapters/tts"
	"github.com/doloresvoice/dolores/server/domain/repositories"
	"github.com/doloresvoice/dolores/server/internal/api"
	"github.com/doloresvoice/dolores/server/internal/auth"
	"github.com/doloresvoice/dolores/server/internal/config"
	"github.com/doloresvoice/dolores/server/internal/events"
	"github.com/doloresvoice/dolores/server/internal/websocket"
	"github.com/doloresvoice/dolores/server/usecase"
)

func main() {
	// .env is a development convenience; production reads the real
	// environment.
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	speechToText, err := buildSpeechToText(cfg, logger)
	if err != nil {
		logger.Error("Failed to build speech-to-text provider", zap.Error(err))
		os.Exit(1)
	}
	languageModel, err := buildLanguageModel(cfg, logger)
	if err != nil {
		logger.Error("Failed to build language model provider", zap.Error(err))
		os.Exit(1)
	}
	textToSpeech, err := buildTextToSpeech(cfg, logger)
	if err != nil {
		logger.Error("Failed to build text-to-speech provider", zap.Error(err))
		os.Exit(1)
	}

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer publisher.Close()

	speaker := repositories.AllowAllSpeakers{}
	service := usecase.NewConversationService(
		speechToText,
		languageModel,
		textToSpeech,
		speaker,
		publisher,
		usecase.Options{
			PlaybackAckTimeout: cfg.PlaybackAckTimeout,
			PostPlaybackMute:   cfg.PostPlaybackMute,
			PostInterruptMute:  cfg.PostInterruptMute,
		},
		logger,
	)

	configMsg := websocket.NewConfigMessage(
		speechToText.Name(),
		textToSpeech.Name(),
		speaker.Name(),
		languageModel.Name(),
	)
	hub := websocket.NewHub(configMsg, logger)
	go hub.Run()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	gate := auth.NewGate(cfg.WSAuthSecret)
	api.Routes(e, hub, gate, func(client *websocket.Client) websocket.SessionHandler {
		return service.NewConversation(client)
	}, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errors.Is(err, syscall.EADDRINUSE) {
				logger.Error("Port already in use", zap.String("port", cfg.Port))
				os.Exit(2)
			}
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Dolores voice server started",
		zap.String("port", cfg.Port),
		zap.String("language", cfg.LanguageCode),
		zap.String("stt", speechToText.Name()),
		zap.String("llm", languageModel.Name()),
		zap.String("tts", textToSpeech.Name()),
		zap.Bool("auth", gate.Enabled()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down")
	hub.Shutdown()

	// Bounded grace period; sessions unwind through their disconnect paths.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

func buildSpeechToText(cfg *config.Config, logger *zap.Logger) (repositories.SpeechToText, error) {
	switch cfg.STTProvider {
	case "deepgram":
		return stt.NewDeepgram(stt.NewDeepgramConfigFromEnv(cfg.LanguageCode), logger)
	case "google":
		return stt.NewGoogle(cfg.LanguageCode, logger), nil
	case "mock":
		return stt.NewMock("hallo hoor je mij"), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}
}

func buildLanguageModel(cfg *config.Config, logger *zap.Logger) (repositories.LanguageModel, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAIFromEnv(logger)
	case "gemini":
		return llm.NewGeminiFromEnv(logger)
	case "mock":
		return llm.NewMock("Hoi! ", "Ik ben Dolores. ", "Wat kan ik voor je doen?"), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

func buildTextToSpeech(cfg *config.Config, logger *zap.Logger) (repositories.TextToSpeech, error) {
	switch cfg.TTSProvider {
	case "elevenlabs":
		return tts.NewElevenLabs(tts.NewElevenLabsConfigFromEnv(cfg.LanguageCode), logger)
	case "mock":
		return tts.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
	}
}
