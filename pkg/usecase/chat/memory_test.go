package chat_test

import (
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
)

// words returns text of exactly n estimated tokens
func words(n int) string {
	return strings.Repeat("abcd", n)
}

func TestMemoryDefaultBudget(t *testing.T) {
	gt.V(t, chat.NewMemory(0).Budget()).Equal(chat.DefaultTokenBudget)
	gt.V(t, chat.NewMemory(-1).Budget()).Equal(2500)
}

func TestMemoryTrimsOldest(t *testing.T) {
	m := chat.NewMemory(10)
	m.Append(model.NewUserMessage(words(3)), model.NewAssistantMessage(words(3)))
	m.Append(model.NewUserMessage(words(3)), model.NewAssistantMessage(words(3)))

	msgs := m.Messages()
	gt.A(t, msgs).Length(3)
	gt.V(t, msgs[0].Role).Equal(model.RoleAssistant)
	gt.True(t, m.Tokens() <= m.Budget())
}

func TestMemoryNeverExceedsBudget(t *testing.T) {
	m := chat.NewMemory(20)
	for i := 1; i <= 30; i++ {
		m.Append(model.NewUserMessage(words(i%7+1)), model.NewAssistantMessage(words(i%5+1)))
		gt.True(t, m.Tokens() <= m.Budget())
	}
}

func TestMemoryKeepsOversizedUserMessage(t *testing.T) {
	m := chat.NewMemory(10)
	m.Append(model.NewUserMessage(words(2)), model.NewAssistantMessage(words(2)))
	m.Append(model.NewUserMessage(words(50)))

	msgs := m.Messages()
	gt.A(t, msgs).Length(1)
	gt.V(t, msgs[0].Text).Equal(words(50))

	// the reply cannot fit next to it either
	m.Append(model.NewAssistantMessage(words(1)))
	msgs = m.Messages()
	gt.A(t, msgs).Length(1)
	gt.V(t, msgs[0].Role).Equal(model.RoleUser)
}

func TestMemoryReset(t *testing.T) {
	m := chat.NewMemory(0)
	m.Append(model.NewUserMessage("hi"))
	m.Reset()
	gt.A(t, m.Messages()).Length(0)
	gt.V(t, m.Tokens()).Equal(0)
}

func TestMemoryReplace(t *testing.T) {
	m := chat.NewMemory(4)
	m.Replace([]model.Message{
		model.NewUserMessage(words(3)),
		model.NewAssistantMessage(words(3)),
	})
	msgs := m.Messages()
	gt.A(t, msgs).Length(1)
	gt.V(t, msgs[0].Role).Equal(model.RoleUser)
}
