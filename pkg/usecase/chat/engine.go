// Package chat answers questions about a course by retrieving chunks from
// its collection and sending them with bounded conversation memory to a
// generation service.
package chat

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
	"github.com/m-mizutani/ragademic/pkg/utils/retry"
)

//go:embed prompt/system.md
var defaultSystemPrompt string

// DefaultSystemPrompt is the instruction preamble used when none is configured
func DefaultSystemPrompt() string {
	return strings.TrimSpace(defaultSystemPrompt)
}

const (
	// DefaultTopK is the number of chunks retrieved per question
	DefaultTopK = 3

	OverloadedMessage      = "❌ Gemini LLM is overloaded (503). Please try again later."
	unexpectedErrorMessage = "❌ Unexpected error: "
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateAnswering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateAnswering:
		return "ANSWERING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Engine is the retrieval chat engine of one (course, session)
type Engine struct {
	store        *index.Store
	generator    adapter.Generator
	systemPrompt string
	topK         int
	retry        *retry.Policy

	course     string
	collection *index.Collection

	state atomic.Int32
	// guard admits one Ask at a time
	guard chan struct{}
}

// EngineOption is a functional option for Engine
type EngineOption func(*Engine)

func WithSystemPrompt(prompt string) EngineOption {
	return func(e *Engine) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

func WithTopK(k int) EngineOption {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithGenerateRetry sets the backoff policy for generation calls
func WithGenerateRetry(p *retry.Policy) EngineOption {
	return func(e *Engine) {
		e.retry = p
	}
}

// NewEngine creates an engine in StateUninitialized
func NewEngine(store *index.Store, generator adapter.Generator, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		generator:    generator,
		systemPrompt: DefaultSystemPrompt(),
		topK:         DefaultTopK,
		guard:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = retry.New()
	}
	if e.retry.Retryable == nil {
		p := *e.retry
		p.Retryable = index.IsTransient
		e.retry = &p
	}
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Course() string { return e.course }

func (e *Engine) SystemPrompt() string { return e.systemPrompt }

// Initialize binds the engine to the collection of course and moves it to
// StateReady. Fails with model.ErrIndexUnavailable if the collection cannot
// be opened.
func (e *Engine) Initialize(ctx context.Context, course string) error {
	if e.State() != StateUninitialized {
		return goerr.Wrap(model.ErrInvalidArgument, "engine already initialized", goerr.V("state", e.State().String()))
	}

	col, err := e.store.Reload(ctx, course)
	if err != nil {
		return goerr.Wrap(errors.Join(model.ErrIndexUnavailable, err), "failed to open course index", goerr.V("course", course))
	}

	e.course = course
	e.collection = col
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady)) {
		return goerr.Wrap(model.ErrSessionClosed, "engine closed during initialization", goerr.V("course", course))
	}
	return nil
}

// Answer is the result of one Ask
type Answer struct {
	Message model.Message
	Sources []*model.ScoredChunk
}

// Ask answers message using retrieved course context and memory. Both the
// user message and the reply (or a marked error turn) are appended to
// memory. Exhausted retries against an overloaded service return
// model.ErrServiceOverloaded.
func (e *Engine) Ask(ctx context.Context, memory *Memory, message string) (*Answer, error) {
	select {
	case e.guard <- struct{}{}:
	case <-ctx.Done():
		return nil, goerr.Wrap(ctx.Err(), "waiting for previous answer")
	}
	defer func() { <-e.guard }()

	if strings.TrimSpace(message) == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message is empty")
	}

	if !e.state.CompareAndSwap(int32(StateReady), int32(StateAnswering)) {
		switch e.State() {
		case StateClosed:
			return nil, goerr.Wrap(model.ErrSessionClosed, "chat session is closed", goerr.V("course", e.course))
		default:
			return nil, goerr.Wrap(model.ErrInvalidArgument, "chat engine is not ready", goerr.V("state", e.State().String()))
		}
	}
	// Close may have happened meanwhile; the engine then stays closed
	defer e.state.CompareAndSwap(int32(StateAnswering), int32(StateReady))

	logger := logging.From(ctx).With("course", e.course)
	started := time.Now()

	user := model.NewUserMessage(message)
	answer, err := e.answer(ctx, memory, message)
	if err != nil {
		memory.Append(user, errorTurn(err))
		logger.Warn("failed to answer", "error", err, "kind", string(model.KindOf(err)))
		return nil, err
	}

	memory.Append(user, answer.Message)
	logger.Debug("answered",
		"sources", len(answer.Sources),
		"latency", time.Since(started).String(),
		"memory_tokens", memory.Tokens())
	return answer, nil
}

func (e *Engine) answer(ctx context.Context, memory *Memory, message string) (*Answer, error) {
	hits, err := e.collection.Search(ctx, message, model.CourseFilter(e.course), e.topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to retrieve context")
	}

	input := &adapter.GenerateInput{
		SystemPrompt: e.systemPrompt,
		History:      conversation(memory.Messages()),
		UserMessage:  message,
	}
	for _, hit := range hits {
		input.Context = append(input.Context, hit.Chunk.Text)
	}

	var reply string
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		text, err := e.generator.Generate(ctx, input)
		if err != nil {
			return err
		}
		reply = text
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, goerr.Wrap(errors.Join(model.ErrServiceOverloaded, err), "generation service overloaded")
		}
		return nil, goerr.Wrap(err, "failed to generate answer")
	}

	return &Answer{
		Message: model.NewAssistantMessage(reply),
		Sources: hits,
	}, nil
}

// Close moves the engine to StateClosed. An Ask in progress completes but
// leaves the engine closed.
func (e *Engine) Close() {
	e.state.Store(int32(StateClosed))
}

// conversation drops error turns, which were never part of the dialogue with the model
func conversation(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.IsError {
			out = append(out, msg)
		}
	}
	return out
}

func errorTurn(err error) model.Message {
	if errors.Is(err, model.ErrServiceOverloaded) {
		return model.NewErrorMessage(OverloadedMessage)
	}
	return model.NewErrorMessage(unexpectedErrorMessage + err.Error())
}
