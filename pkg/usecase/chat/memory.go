package chat

import (
	"sync"

	"github.com/m-mizutani/ragademic/pkg/model"
)

// DefaultTokenBudget is the default estimated-token capacity of a Memory
const DefaultTokenBudget = 2500

// Memory is the bounded conversation history of one (course, session).
// It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	budget   int
	messages []model.Message
}

// NewMemory creates an empty memory. A non-positive budget selects DefaultTokenBudget.
func NewMemory(budget int) *Memory {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Memory{budget: budget}
}

func (m *Memory) Budget() int { return m.budget }

// Append adds messages and trims the oldest ones until the memory fits its
// budget. The most recent user message is never dropped.
func (m *Memory) Append(msgs ...model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msgs...)
	m.trim()
}

// Replace discards the current history and loads msgs, trimmed to the budget
func (m *Memory) Replace(msgs []model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append([]model.Message(nil), msgs...)
	m.trim()
}

// Messages returns a copy of the history, oldest first
func (m *Memory) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.messages...)
}

// Tokens returns the estimated token count of the history
func (m *Memory) Tokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return countTokens(m.messages)
}

// Reset clears the history
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

func (m *Memory) trim() {
	total := countTokens(m.messages)
	for total > m.budget {
		protected := lastUserIndex(m.messages)
		drop := 0
		if drop == protected {
			drop = 1
		}
		if drop >= len(m.messages) {
			return
		}

		total -= model.EstimateTokens(m.messages[drop].Text)
		m.messages = append(m.messages[:drop], m.messages[drop+1:]...)
	}
}

func lastUserIndex(msgs []model.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return i
		}
	}
	return -1
}

func countTokens(msgs []model.Message) int {
	total := 0
	for _, msg := range msgs {
		total += model.EstimateTokens(msg.Text)
	}
	return total
}
