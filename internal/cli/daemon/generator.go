package daemon

import (
	"context"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/openai"
	"github.com/cloo-solutions/cseassist/internal/service"
)

// chatGenerator exposes openai.ChatClient as a service.Generator.
type chatGenerator struct {
	client *openai.ChatClient
}

func (g *chatGenerator) Generate(ctx context.Context, messages []domain.Message) (service.FragmentStream, error) {
	stream, err := g.client.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
