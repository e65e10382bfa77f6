package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini streams chat completions from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

var _ repositories.LanguageModel = (*Gemini)(nil)

// NewGeminiFromEnv builds the provider from GEMINI_* variables.
func NewGeminiFromEnv(logger *zap.Logger) (*Gemini, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

func (g *Gemini) Name() string {
	return "gemini"
}

func (g *Gemini) StreamChat(ctx context.Context, history []repositories.ChatMessage, userText string) (repositories.ReplyStream, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(userText, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0.7)),
		MaxOutputTokens:   maxReplyTokens,
	}

	next, stop := iter.Pull2(g.client.Models.GenerateContentStream(ctx, g.model, contents, config))
	return &geminiStream{next: next, stop: stop}, nil
}

// geminiStream converts the push iterator into the delta-pull contract. One
// response may carry several text parts; they are buffered and handed out
// one delta at a time. Non-text parts never reach the caller.
type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []string
}

var _ repositories.ReplyStream = (*geminiStream)(nil)

func (s *geminiStream) Recv() (string, error) {
	for {
		if len(s.pending) > 0 {
			delta := s.pending[0]
			s.pending = s.pending[1:]
			return delta, nil
		}

		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				s.pending = append(s.pending, part.Text)
			}
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
