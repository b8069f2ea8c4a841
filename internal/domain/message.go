package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a new Message instance
func NewMessage(role Role, content string, createdAt time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}
}

// ValidateMessage validates a Message instance
func ValidateMessage(m Message) error {
	if !isValidRole(m.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	return nil
}

// isValidRole checks if a Role is valid
func isValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
