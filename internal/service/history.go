package service

import "github.com/cloo-solutions/cseassist/internal/domain"

// HistoryPolicy selects which stored messages are sent with a turn.
type HistoryPolicy interface {
	Apply(history []domain.Message) []domain.Message
}

// UnboundedHistory sends the whole conversation.
type UnboundedHistory struct{}

func (UnboundedHistory) Apply(history []domain.Message) []domain.Message {
	return history
}

// WindowHistory sends only the most recent MaxMessages messages.
type WindowHistory struct {
	MaxMessages int
}

func (w WindowHistory) Apply(history []domain.Message) []domain.Message {
	if w.MaxMessages <= 0 || len(history) <= w.MaxMessages {
		return history
	}
	return history[len(history)-w.MaxMessages:]
}

// NewHistoryPolicy returns WindowHistory for a positive limit and
// UnboundedHistory otherwise.
func NewHistoryPolicy(maxMessages int) HistoryPolicy {
	if maxMessages > 0 {
		return WindowHistory{MaxMessages: maxMessages}
	}
	return UnboundedHistory{}
}
