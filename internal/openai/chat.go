package openai

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/cloo-solutions/cseassist/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultChatBaseURL is the Perplexity endpoint, which speaks the OpenAI chat protocol.
	DefaultChatBaseURL = "https://api.perplexity.ai"
	// DefaultChatModel is Perplexity's online model.
	DefaultChatModel = "sonar"
)

// ChatStream is the subset of *openai.ChatCompletionStream used by Stream.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// ChatAPI opens streaming chat completions.
type ChatAPI interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}

type chatAdapter struct {
	client *openai.Client
}

func (a *chatAdapter) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

type ChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ChatClient sends assembled conversations to the completion service.
type ChatClient struct {
	api   ChatAPI
	model string
}

// NewChatClient creates a ChatClient; empty fields fall back to the Perplexity defaults.
func NewChatClient(cfg ChatConfig) *ChatClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultChatBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	return &ChatClient{
		api:   &chatAdapter{client: openai.NewClientWithConfig(oc)},
		model: model,
	}
}

// NewChatClientWithAPI creates a ChatClient over an existing ChatAPI.
func NewChatClientWithAPI(api ChatAPI, model string) *ChatClient {
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatClient{api: api, model: model}
}

// Model returns the completion model identifier.
func (c *ChatClient) Model() string {
	return c.model
}

// Generate issues one streaming request. Every failure, including ones that
// surface later from Stream.Recv, is a generation error. Nothing is retried.
func (c *ChatClient) Generate(ctx context.Context, messages []domain.Message) (*Stream, error) {
	if len(messages) == 0 {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "no messages to send")
	}

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, domain.NewGenerationError("completion request failed", err)
	}
	return &Stream{stream: stream}, nil
}

// Stream is a finite, non-restartable sequence of answer fragments.
// It is not safe for concurrent use.
type Stream struct {
	stream    ChatStream
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps a raw ChatStream.
func NewStream(stream ChatStream) *Stream {
	return &Stream{stream: stream}
}

// Recv returns the next non-empty fragment, or io.EOF once the service signals
// completion. The underlying connection is released on EOF and on error.
func (s *Stream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			_ = s.Close()
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			_ = s.Close()
			return "", domain.NewGenerationError("stream interrupted", err)
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

// Fragments adapts the stream to a range-over-func iterator. Breaking out of
// the loop closes the stream.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			fragment, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(fragment, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
