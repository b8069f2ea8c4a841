package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/google/uuid"
)

// ChunkConfig controls how documents are split before embedding.
// Sizes are counted in runes.
type ChunkConfig struct {
	MaxChars int
	MinChars int // a natural break is only taken once a chunk holds at least this many runes
	Overlap  int
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars: 1000,
		MinChars: 500,
		Overlap:  200,
	}
}

// Validate checks that the configuration can always make progress.
func (c ChunkConfig) Validate() error {
	if c.MaxChars <= 0 {
		return errors.New("chunk MaxChars must be positive")
	}
	if c.Overlap < 0 {
		return errors.New("chunk Overlap cannot be negative")
	}
	if c.Overlap*2 >= c.MaxChars {
		return fmt.Errorf("chunk Overlap (%d) must be less than half of MaxChars (%d)", c.Overlap, c.MaxChars)
	}
	if c.MinChars <= c.Overlap || c.MinChars > c.MaxChars {
		return fmt.Errorf("chunk MinChars (%d) must be in (Overlap, MaxChars]", c.MinChars)
	}
	return nil
}

// breakPoint is a natural boundary. The cut lands keep runes into the separator,
// so sentence punctuation stays with its sentence and whitespace is dropped.
type breakPoint struct {
	sep  []rune
	keep int
}

// Ordered by preference: paragraph, line, sentence, clause, word.
var breakPoints = []breakPoint{
	{sep: []rune("\n\n"), keep: 0},
	{sep: []rune("\n"), keep: 0},
	{sep: []rune(". "), keep: 1},
	{sep: []rune("! "), keep: 1},
	{sep: []rune("? "), keep: 1},
	{sep: []rune("; "), keep: 1},
	{sep: []rune(" "), keep: 0},
}

// Chunker splits documents into overlapping, boundary-aware chunks.
type Chunker struct {
	cfg ChunkConfig
}

// NewChunker creates a Chunker; a zero MinChars defaults to half of MaxChars.
func NewChunker(cfg ChunkConfig) (*Chunker, error) {
	if cfg.MinChars == 0 {
		cfg.MinChars = cfg.MaxChars / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkConfig {
	return c.cfg
}

// Split chunks every document independently. Chunks never span two documents.
func (c *Chunker) Split(docs []domain.Document) []domain.Chunk {
	var chunks []domain.Chunk
	for _, doc := range docs {
		chunks = append(chunks, c.splitDocument(doc)...)
	}
	return chunks
}

func (c *Chunker) splitDocument(doc domain.Document) []domain.Chunk {
	var b strings.Builder
	var pageStarts []int
	var pageNumbers []int
	offset := 0
	for _, p := range doc.Pages {
		text := normalizeText(p.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		pageStarts = append(pageStarts, offset)
		pageNumbers = append(pageNumbers, p.Number)
		b.WriteString(text)
		offset += len([]rune(text))
	}

	runes := []rune(b.String())
	spans := c.spans(runes)
	chunks := make([]domain.Chunk, 0, len(spans))
	for i, s := range spans {
		page := 0
		if idx := sort.SearchInts(pageStarts, s.start+1) - 1; idx >= 0 {
			page = pageNumbers[idx]
		}
		chunks = append(chunks, domain.Chunk{
			ID:      chunkID(doc.Path, i),
			Source:  doc.Path,
			Page:    page,
			Index:   i,
			Content: string(runes[s.start:s.end]),
		})
	}
	return chunks
}

// SplitText chunks a single piece of text.
func (c *Chunker) SplitText(text string) []string {
	runes := []rune(normalizeText(text))
	spans := c.spans(runes)
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, string(runes[s.start:s.end]))
	}
	return out
}

type span struct {
	start, end int
}

func (c *Chunker) spans(runes []rune) []span {
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []span
	start, prevEnd := 0, 0
	for start < n {
		end := n
		if start+c.cfg.MaxChars < n {
			lo := start + c.cfg.MinChars
			if prevEnd+1 > lo {
				lo = prevEnd + 1
			}
			end = cutPoint(runes, lo, start+c.cfg.MaxChars)
		}
		spans = append(spans, span{start: start, end: end})
		if end >= n {
			break
		}

		next := end - c.cfg.Overlap
		limit := next - c.cfg.Overlap/2
		if limit <= start {
			limit = start + 1
		}
		for i := next; i >= limit; i-- {
			if i > 0 && unicode.IsSpace(runes[i-1]) && !unicode.IsSpace(runes[i]) {
				next = i
				break
			}
		}
		if c.cfg.Overlap == 0 {
			for next < n && unicode.IsSpace(runes[next]) {
				next++
			}
		}
		prevEnd = end
		start = next
	}
	return spans
}

// cutPoint returns the preferred end (exclusive) of a chunk within [lo, hi].
func cutPoint(runes []rune, lo, hi int) int {
	for _, bp := range breakPoints {
		for p := hi - bp.keep; p >= lo-bp.keep; p-- {
			cut := p + bp.keep
			if cut < lo || cut > hi || p+len(bp.sep) > len(runes) {
				continue
			}
			if hasPrefixAt(runes, p, bp.sep) {
				return cut
			}
		}
	}
	return hi
}

func hasPrefixAt(runes []rune, at int, sep []rune) bool {
	for i, r := range sep {
		if runes[at+i] != r {
			return false
		}
	}
	return true
}

// normalizeText collapses horizontal whitespace, keeps at most one blank line
// between paragraphs and trims the result.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	joined := strings.Join(lines, "\n")
	for strings.Contains(joined, "\n\n\n") {
		joined = strings.ReplaceAll(joined, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(joined)
}

func chunkID(source string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s#%d", source, index)).String()
}
