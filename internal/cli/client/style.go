package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	sourceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A6E3A1"))
)

// Source is a retrieved chunk as returned by the server.
type Source struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Index   int     `json:"index"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Location renders "file p.N", omitting the page when it is unknown.
func (s *Source) Location() string {
	if s.Page > 0 {
		return fmt.Sprintf("%s p.%d", s.Source, s.Page)
	}
	return s.Source
}

func printSources(out io.Writer, sources []*Source, withContent bool) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(out, headerStyle.Render("Sources"))
	for i, s := range sources {
		fmt.Fprintf(out, "  %d. %s %s\n", i+1, sourceStyle.Render(s.Location()), mutedStyle.Render(fmt.Sprintf("(%.3f)", s.Score)))
		if withContent {
			fmt.Fprintf(out, "     %s\n", excerpt(s.Content, 200))
		}
	}
}

// excerpt flattens whitespace and cuts text to at most n runes.
func excerpt(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n]) + "…"
}
