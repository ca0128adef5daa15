package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/adapter/testtools"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/repository"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/retry"
)

const dfaText = "A deterministic finite automaton (DFA) is a 5-tuple (Q, Σ, δ, q0, F) with exactly one transition per state and symbol."

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newStore(t *testing.T) *index.Store {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.NewSQLite(t.TempDir())
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := index.New(repo, testtools.NewEmbedder(64), index.WithRetryPolicy(retry.New(retry.WithSleep(noSleep))))
	col, err := store.GetOrCreate(ctx, "Theory-of-Automata")
	gt.NoError(t, err)

	course := model.Metadata{model.MetaCourse: "Theory-of-Automata", model.MetaTopic: "automata"}
	_, err = col.Insert(ctx, []*model.Chunk{
		{ID: model.NewChunkID(), Text: dfaText, Metadata: course.Clone()},
		{ID: model.NewChunkID(), Text: "A pushdown automaton uses a stack to recognise context-free languages.", Metadata: course.Clone()},
		{ID: model.NewChunkID(), Text: "Turing machines read and write an unbounded tape.", Metadata: course.Clone()},
		{ID: model.NewChunkID(), Text: "The pumping lemma shows some languages are not regular.", Metadata: course.Clone()},
	})
	gt.NoError(t, err)

	other, err := store.GetOrCreate(ctx, "Algorithms")
	gt.NoError(t, err)
	_, err = other.Insert(ctx, []*model.Chunk{
		{ID: model.NewChunkID(), Text: "Merge sort is a divide and conquer algorithm.", Metadata: model.Metadata{model.MetaCourse: "Algorithms"}},
	})
	gt.NoError(t, err)
	return store
}

func newEngine(t *testing.T, store *index.Store, gen adapter.Generator, opts ...chat.EngineOption) *chat.Engine {
	t.Helper()
	opts = append([]chat.EngineOption{chat.WithGenerateRetry(retry.New(retry.WithSleep(noSleep)))}, opts...)
	engine := chat.NewEngine(store, gen, opts...)
	gt.NoError(t, engine.Initialize(context.Background(), "Theory-of-Automata"))
	return engine
}

func TestAskIncludesRetrievedContext(t *testing.T) {
	gen := &testtools.Generator{}
	engine := newEngine(t, newStore(t), gen)
	memory := chat.NewMemory(0)

	answer, err := engine.Ask(context.Background(), memory, "What is a DFA?")
	gt.NoError(t, err)
	gt.V(t, answer.Message.Text).Equal("answer: What is a DFA?")
	gt.A(t, answer.Sources).Length(chat.DefaultTopK)

	calls := gen.Calls()
	gt.A(t, calls).Length(1)
	gt.V(t, calls[0].UserMessage).Equal("What is a DFA?")
	gt.V(t, calls[0].SystemPrompt).Equal(chat.DefaultSystemPrompt())
	gt.S(t, strings.Join(calls[0].Context, "\n")).Contains("A deterministic finite automaton (DFA) is a 5-tuple")
	gt.S(t, strings.Join(calls[0].Context, "\n")).NotContains("Merge sort")
	gt.A(t, calls[0].History).Length(0)

	msgs := memory.Messages()
	gt.A(t, msgs).Length(2)
	gt.V(t, msgs[0].Role).Equal(model.RoleUser)
	gt.V(t, msgs[1].Role).Equal(model.RoleAssistant)
	gt.V(t, engine.State()).Equal(chat.StateReady)
}

func TestAskSendsHistory(t *testing.T) {
	gen := &testtools.Generator{}
	engine := newEngine(t, newStore(t), gen, chat.WithTopK(1), chat.WithSystemPrompt("be brief"))
	memory := chat.NewMemory(0)
	ctx := context.Background()

	_, err := engine.Ask(ctx, memory, "What is a DFA?")
	gt.NoError(t, err)
	_, err = engine.Ask(ctx, memory, "And a pushdown automaton?")
	gt.NoError(t, err)

	calls := gen.Calls()
	gt.A(t, calls).Length(2)
	gt.V(t, calls[1].SystemPrompt).Equal("be brief")
	gt.A(t, calls[1].Context).Length(1)
	gt.A(t, calls[1].History).Length(2)
	gt.V(t, calls[1].History[0].Text).Equal("What is a DFA?")
}

func TestAskOverloaded(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	policy := retry.New(
		retry.WithBaseDelay(time.Second),
		retry.WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, d)
			return nil
		}),
	)

	gen := &testtools.Generator{
		Respond: func(ctx context.Context, input *adapter.GenerateInput) (string, error) {
			return "", goerr.Wrap(model.ErrTransient, "503 UNAVAILABLE")
		},
	}
	engine := newEngine(t, newStore(t), gen, chat.WithGenerateRetry(policy))
	memory := chat.NewMemory(0)

	_, err := engine.Ask(context.Background(), memory, "What is a DFA?")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrServiceOverloaded))
	gt.V(t, model.KindOf(err)).Equal(model.ErrorKindOverloaded)

	gt.A(t, gen.Calls()).Length(5)
	gt.V(t, delays).Equal([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second})

	msgs := memory.Messages()
	gt.A(t, msgs).Length(2)
	gt.V(t, msgs[0].Text).Equal("What is a DFA?")
	gt.V(t, msgs[1].Text).Equal(chat.OverloadedMessage)
	gt.True(t, msgs[1].IsError)
	gt.V(t, engine.State()).Equal(chat.StateReady)
}

func TestAskUnexpectedError(t *testing.T) {
	gen := &testtools.Generator{
		Respond: func(ctx context.Context, input *adapter.GenerateInput) (string, error) {
			return "", goerr.New("quota misconfigured")
		},
	}
	engine := newEngine(t, newStore(t), gen)
	memory := chat.NewMemory(0)
	ctx := context.Background()

	_, err := engine.Ask(ctx, memory, "What is a DFA?")
	gt.Error(t, err)
	gt.False(t, errors.Is(err, model.ErrServiceOverloaded))
	gt.A(t, gen.Calls()).Length(1)
	gt.V(t, engine.State()).Equal(chat.StateReady)

	msgs := memory.Messages()
	gt.A(t, msgs).Length(2)
	gt.S(t, msgs[1].Text).Contains("❌ Unexpected error:")
	gt.S(t, msgs[1].Text).Contains("quota misconfigured")

	// error turns are not sent back to the model
	gen.Respond = nil
	_, err = engine.Ask(ctx, memory, "Try again")
	gt.NoError(t, err)
	calls := gen.Calls()
	gt.A(t, calls[1].History).Length(1)
	gt.V(t, calls[1].History[0].Text).Equal("What is a DFA?")
}

func TestEngineStateMachine(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gen := &testtools.Generator{}

	engine := chat.NewEngine(store, gen)
	gt.V(t, engine.State()).Equal(chat.StateUninitialized)

	_, err := engine.Ask(ctx, chat.NewMemory(0), "hello")
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))

	err = engine.Initialize(ctx, "Never-Built")
	gt.True(t, errors.Is(err, model.ErrIndexUnavailable))
	gt.V(t, engine.State()).Equal(chat.StateUninitialized)

	gt.NoError(t, engine.Initialize(ctx, "Theory-of-Automata"))
	gt.V(t, engine.State()).Equal(chat.StateReady)
	gt.V(t, engine.Course()).Equal("Theory-of-Automata")

	engine.Close()
	gt.V(t, engine.State()).Equal(chat.StateClosed)

	_, err = engine.Ask(ctx, chat.NewMemory(0), "hello")
	gt.True(t, errors.Is(err, model.ErrSessionClosed))
	gt.A(t, gen.Calls()).Length(0)
}

func TestAskSerialized(t *testing.T) {
	var inFlight, peak atomic.Int32
	gen := &testtools.Generator{
		Respond: func(ctx context.Context, input *adapter.GenerateInput) (string, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return "ok", nil
		},
	}
	engine := newEngine(t, newStore(t), gen)
	memory := chat.NewMemory(0)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Ask(context.Background(), memory, "What is a DFA?")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		gt.NoError(t, err)
	}
	gt.V(t, peak.Load()).Equal(int32(1))
	gt.A(t, memory.Messages()).Length(12)
}

func TestAskTimeoutWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	gen := &testtools.Generator{
		Respond: func(ctx context.Context, input *adapter.GenerateInput) (string, error) {
			<-release
			return "ok", nil
		},
	}
	engine := newEngine(t, newStore(t), gen)
	memory := chat.NewMemory(0)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Ask(context.Background(), memory, "first")
		done <- err
	}()
	for engine.State() != chat.StateAnswering {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := engine.Ask(ctx, memory, "second")
	gt.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	gt.NoError(t, <-done)
	gt.A(t, memory.Messages()).Length(2)
}

func TestAskEmptyMessage(t *testing.T) {
	engine := newEngine(t, newStore(t), &testtools.Generator{})
	_, err := engine.Ask(context.Background(), chat.NewMemory(0), "   ")
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	gt.V(t, engine.State()).Equal(chat.StateReady)
}
