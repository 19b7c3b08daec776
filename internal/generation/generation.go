package generation

import (
	"context"
	"errors"
)

// ErrGeneration is wrapped by every generation failure
var ErrGeneration = errors.New("generation failed")

// Role of a conversation message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply for an ordered conversation
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}
