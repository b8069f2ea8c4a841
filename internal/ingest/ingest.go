// Package ingest extracts per-page text from source documents.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloo-solutions/cseassist/internal/domain"
)

// Ingestor extracts text from one family of document formats.
type Ingestor interface {
	// Extensions lists the lower-case file extensions handled, with the leading dot.
	Extensions() []string
	Extract(ctx context.Context, path string) (*domain.Document, error)
}

// Registry dispatches files to the Ingestor registered for their extension.
type Registry struct {
	byExt map[string]Ingestor
	exts  []string
}

// NewRegistry creates a Registry. Later ingestors win on extension conflicts.
func NewRegistry(ingestors ...Ingestor) *Registry {
	r := &Registry{byExt: make(map[string]Ingestor)}
	for _, ing := range ingestors {
		for _, ext := range ing.Extensions() {
			ext = strings.ToLower(ext)
			if _, ok := r.byExt[ext]; !ok {
				r.exts = append(r.exts, ext)
			}
			r.byExt[ext] = ing
		}
	}
	sort.Strings(r.exts)
	return r
}

// Restrict returns a Registry that only accepts the given extensions.
// Extensions with no registered ingestor are ignored.
func (r *Registry) Restrict(exts []string) *Registry {
	out := &Registry{byExt: make(map[string]Ingestor)}
	for _, ext := range exts {
		ext = normalizeExt(ext)
		if ing, ok := r.byExt[ext]; ok {
			if _, dup := out.byExt[ext]; !dup {
				out.exts = append(out.exts, ext)
			}
			out.byExt[ext] = ing
		}
	}
	sort.Strings(out.exts)
	return out
}

// Extensions returns the accepted extensions in sorted order.
func (r *Registry) Extensions() []string {
	return append([]string(nil), r.exts...)
}

// For returns the Ingestor for path, if any.
func (r *Registry) For(path string) (Ingestor, bool) {
	ing, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ing, ok
}

// Discover lists the accepted files directly inside dir, sorted by name.
// Subdirectories are not walked.
func (r *Registry) Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := r.For(entry.Name()); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Extract extracts path with the matching Ingestor.
func (r *Registry) Extract(ctx context.Context, path string) (*domain.Document, error) {
	ing, ok := r.For(path)
	if !ok {
		return nil, fmt.Errorf("no ingestor for %q", filepath.Ext(path))
	}
	return ing.Extract(ctx, path)
}

// ExtractAll extracts every file in order and stops at the first failure.
func (r *Registry) ExtractAll(ctx context.Context, paths []string) ([]domain.Document, error) {
	docs := make([]domain.Document, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := r.Extract(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", path, err)
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Default returns a Registry with every built-in ingestor.
func Default() *Registry {
	return NewRegistry(NewPDFIngestor(), NewEPUBIngestor(), NewTextIngestor())
}
