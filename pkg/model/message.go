package model

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text, CreatedAt: time.Now()}
}

func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text, CreatedAt: time.Now()}
}

// NewErrorMessage creates an assistant turn recording a failure shown to the user
func NewErrorMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text, IsError: true, CreatedAt: time.Now()}
}

// EstimateTokens approximates the token count of text at four runes per
// token, rounding up. Non-empty text is at least one token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
