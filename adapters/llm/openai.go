package llm

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"

	// Replies are spoken, so anything past a few sentences is wasted
	// tokens and wasted synthesis time.
	maxReplyTokens = 256
)

// OpenAI streams chat completions from the OpenAI API.
type OpenAI struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

var _ repositories.LanguageModel = (*OpenAI)(nil)

// NewOpenAIFromEnv builds the provider from OPENAI_* variables.
func NewOpenAIFromEnv(logger *zap.Logger) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAI) Name() string {
	return "openai"
}

// StreamChat opens one streaming completion. Request errors surface on the
// first Recv, which is where the pipeline already handles stream failures.
func (o *OpenAI) StreamChat(ctx context.Context, history []repositories.ChatMessage, userText string) (repositories.ReplyStream, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, msg := range history {
		switch msg.Role {
		case repositories.AssistantRole:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case repositories.SystemRole:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userText))

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: param.NewOpt(int64(maxReplyTokens)),
	})
	return &openaiStream{stream: stream}, nil
}

// openaiStream adapts the SSE chunk stream to the delta-pull contract. Only
// text content reaches the caller; tool calls and refusal artefacts are
// dropped.
type openaiStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

var _ repositories.ReplyStream = (*openaiStream)(nil)

func (s *openaiStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
