package service

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/session"
	"github.com/cloo-solutions/cseassist/internal/telemetry"
)

// FragmentStream yields answer fragments until io.EOF.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// Generator opens a streamed completion for messages.
type Generator interface {
	Generate(ctx context.Context, messages []domain.Message) (FragmentStream, error)
}

// ContextRetriever returns the passages to ground a question in.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string) ([]domain.RetrievalResult, error)
}

// ChatService runs question/answer turns against stored sessions.
type ChatService struct {
	sessions  *session.Store
	retriever ContextRetriever
	assembler *PromptAssembler
	generator Generator
}

func NewChatService(sessions *session.Store, retriever ContextRetriever, assembler *PromptAssembler, generator Generator) *ChatService {
	return &ChatService{
		sessions:  sessions,
		retriever: retriever,
		assembler: assembler,
		generator: generator,
	}
}

func (s *ChatService) Sessions() *session.Store {
	return s.sessions
}

// Ask records question in the session, retrieves context, and opens the
// answer stream. If generation cannot start the question stays in history and
// no answer is recorded. The session is locked until the returned stream ends
// or is closed.
func (s *ChatService) Ask(ctx context.Context, sessionID, question string) (*TurnStream, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.ErrEmptyQuestion
	}

	conv, err := s.sessions.Begin(sessionID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.ask", telemetry.SpanAttributes{
		SessionID: sessionID,
		Operation: "ask",
	})
	defer span.End()

	stream, retrieved, err := s.open(ctx, conv, question)
	if err != nil {
		conv.End()
		span.SetError(err)
		return nil, err
	}
	span.SetData("chunk_count", len(retrieved))
	return newTurnStream(conv, stream, retrieved), nil
}

func (s *ChatService) open(ctx context.Context, conv *session.Conversation, question string) (FragmentStream, []domain.RetrievalResult, error) {
	if err := conv.Append(domain.NewMessage(domain.RoleUser, question, time.Now().UTC())); err != nil {
		return nil, nil, err
	}

	retrieved, err := s.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, nil, err
	}

	messages := s.assembler.Assemble(conv.Messages(), retrieved)
	stream, err := s.generator.Generate(ctx, messages)
	if err != nil {
		return nil, nil, err
	}
	return stream, retrieved, nil
}

// TurnStream forwards the answer of one turn. Reaching the end of the stream
// stores the full answer in the session; closing it early or failing midway
// stores nothing.
type TurnStream struct {
	conv    *session.Conversation
	stream  FragmentStream
	sources []domain.RetrievalResult

	// mu is held across the blocking Recv; Close must not take it.
	mu     sync.Mutex
	answer strings.Builder
	done   bool
	closed atomic.Bool
	once   sync.Once
}

func newTurnStream(conv *session.Conversation, stream FragmentStream, sources []domain.RetrievalResult) *TurnStream {
	return &TurnStream{conv: conv, stream: stream, sources: sources}
}

// Sources returns the chunks the answer was grounded in.
func (t *TurnStream) Sources() []domain.RetrievalResult {
	return t.sources
}

// Answer returns the text received so far.
func (t *TurnStream) Answer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answer.String()
}

// Recv returns the next fragment, or io.EOF once the answer is complete or the
// turn was closed.
func (t *TurnStream) Recv() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.closed.Load() {
		return "", io.EOF
	}

	fragment, err := t.stream.Recv()
	if t.closed.Load() {
		t.done = true
		return "", io.EOF
	}
	if errors.Is(err, io.EOF) {
		t.done = true
		var appendErr error
		t.finish(func() {
			appendErr = t.conv.Append(domain.NewMessage(domain.RoleAssistant, t.answer.String(), time.Now().UTC()))
		})
		if appendErr != nil {
			return "", appendErr
		}
		return "", io.EOF
	}
	if err != nil {
		t.done = true
		t.finish(nil)
		return "", err
	}

	t.answer.WriteString(fragment)
	return fragment, nil
}

// Fragments iterates over Recv until the end of the answer. Breaking out of
// the loop closes the stream.
func (t *TurnStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			fragment, err := t.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(fragment, nil) {
				_ = t.Close()
				return
			}
		}
	}
}

// Close abandons the turn. Any partial answer is discarded. It does not wait
// for a pending Recv, which returns io.EOF once the generator stream is
// closed. Safe to call more than once.
func (t *TurnStream) Close() error {
	t.closed.Store(true)
	t.finish(nil)
	return nil
}

// finish releases the turn exactly once. commit runs first, and only when the
// turn completed before being closed.
func (t *TurnStream) finish(commit func()) {
	t.once.Do(func() {
		if commit != nil {
			commit()
		}
		_ = t.stream.Close()
		t.conv.End()
	})
}
