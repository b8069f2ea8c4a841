package domain

import (
	"fmt"
	"strings"
)

// Page is the text extracted from one page (or unit) of a source document.
type Page struct {
	Number int
	Text   string
}

// Document is a source file after text extraction. Documents are never persisted;
// only the chunks derived from them are.
type Document struct {
	Path  string
	Pages []Page
}

// Text returns the concatenated page texts, separated by a blank line.
func (d *Document) Text() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Chunk is a bounded text segment of one document, the unit of embedding and retrieval.
type Chunk struct {
	ID      string
	Source  string // path of the originating document
	Page    int    // page on which the chunk starts, 1-based
	Index   int    // position within the document
	Content string
}

// RetrievalResult pairs a stored chunk with its similarity to a query.
type RetrievalResult struct {
	Chunk Chunk
	Score float32
}

// NewDocument creates a new Document instance
func NewDocument(path string, pages []Page) *Document {
	return &Document{
		Path:  path,
		Pages: pages,
	}
}

// ValidateChunk validates a Chunk instance
func ValidateChunk(c *Chunk) error {
	if c == nil {
		return fmt.Errorf("chunk cannot be nil")
	}

	if c.ID == "" {
		return fmt.Errorf("chunk ID is required")
	}

	if c.Source == "" {
		return fmt.Errorf("chunk Source is required")
	}

	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("chunk Content is required")
	}

	if c.Index < 0 {
		return fmt.Errorf("chunk Index cannot be negative")
	}

	return nil
}
