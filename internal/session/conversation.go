// Package session keeps per-user conversation history for the lifetime of a session.
package session

import (
	"sync"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
)

// Conversation is an ordered, append-only message history. System messages are
// never stored: the policy message is rebuilt for every turn.
type Conversation struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	messages   []domain.Message
	busy       bool
	lastActive time.Time
}

func NewConversation(id string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{id: id, createdAt: now, lastActive: now}
}

func (c *Conversation) ID() string {
	return c.id
}

func (c *Conversation) CreatedAt() time.Time {
	return c.createdAt
}

// Append adds msg to the end of the history.
func (c *Conversation) Append(msg domain.Message) error {
	if msg.Role == domain.RoleSystem {
		return domain.ErrSystemMessageNotStored
	}
	if err := domain.ValidateMessage(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.lastActive = time.Now().UTC()
	return nil
}

// Messages returns a copy of the history in order.
func (c *Conversation) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Begin marks a turn as in progress. Only one turn may run at a time.
func (c *Conversation) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return domain.ErrTurnInProgress
	}
	c.busy = true
	c.lastActive = time.Now().UTC()
	return nil
}

// End releases the turn started by Begin.
func (c *Conversation) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.lastActive = time.Now().UTC()
}

func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Conversation) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// idleSince reports whether the conversation has been idle since before cutoff.
// A conversation with a turn in progress is never idle.
func (c *Conversation) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && c.lastActive.Before(cutoff)
}
