package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleConstants(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		expected string
	}{
		{"User", RoleUser, "user"},
		{"Assistant", RoleAssistant, "assistant"},
		{"System", RoleSystem, "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.role))
		})
	}
}

func TestNewMessage(t *testing.T) {
	now := time.Now()
	msg := NewMessage(RoleUser, "Quelles sont les attributions du CSE ?", now)

	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "Quelles sont les attributions du CSE ?", msg.Content)
	assert.Equal(t, now, msg.CreatedAt)
}

func TestValidateMessage(t *testing.T) {
	assert.NoError(t, ValidateMessage(Message{Role: RoleAssistant}))
	assert.ErrorIs(t, ValidateMessage(Message{Role: "tool"}), ErrInvalidRole)
}
