package ingest

import (
	"context"
	"fmt"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/gen2brain/go-fitz"
)

// FitzIngestor extracts page text with MuPDF. It handles PDF and the other
// paginated formats MuPDF opens.
type FitzIngestor struct {
	extensions []string
}

// NewPDFIngestor creates an ingestor for .pdf files.
func NewPDFIngestor() *FitzIngestor {
	return &FitzIngestor{extensions: []string{".pdf"}}
}

// NewEPUBIngestor creates an ingestor for .epub files.
func NewEPUBIngestor() *FitzIngestor {
	return &FitzIngestor{extensions: []string{".epub"}}
}

func (f *FitzIngestor) Extensions() []string {
	return f.extensions
}

// Extract returns one Page per document page; pages without text are kept
// with an empty Text so numbering matches the source.
func (f *FitzIngestor) Extract(ctx context.Context, path string) (*domain.Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	pages := make([]domain.Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", i+1, err)
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: text})
	}

	return domain.NewDocument(path, pages), nil
}
