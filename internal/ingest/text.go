package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloo-solutions/cseassist/internal/domain"
)

// TextIngestor reads plain-text files. A form feed (\f) starts a new page.
type TextIngestor struct{}

func NewTextIngestor() *TextIngestor {
	return &TextIngestor{}
}

func (t *TextIngestor) Extensions() []string {
	return []string{".txt", ".md"}
}

func (t *TextIngestor) Extract(ctx context.Context, path string) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	parts := strings.Split(string(data), "\f")
	pages := make([]domain.Page, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, domain.Page{Number: i + 1, Text: part})
	}
	return domain.NewDocument(path, pages), nil
}
