// Package testtools provides test doubles for the embedding and generation boundaries.
package testtools

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/m-mizutani/ragademic/pkg/adapter"
)

// Embedder is a deterministic bag-of-words embedder. Texts sharing words
// get similar vectors.
type Embedder struct {
	Dim int
	// Fail, if set, is consulted before each call; a non-nil error is returned as the call's result.
	Fail func(call int, text string) error

	mu    sync.Mutex
	calls []string
}

var _ adapter.Embedder = (*Embedder)(nil)

func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim}
}

func (x *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	x.mu.Lock()
	x.calls = append(x.calls, text)
	call := len(x.calls)
	fail := x.Fail
	x.mu.Unlock()

	if fail != nil {
		if err := fail(call, text); err != nil {
			return nil, err
		}
	}
	return x.vector(text), nil
}

func (x *Embedder) vector(text string) []float32 {
	v := make([]float32, x.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(x.Dim)]++
	}

	var norm float64
	for _, f := range v {
		norm += float64(f * f)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

func (x *Embedder) Dimensions() int   { return x.Dim }
func (x *Embedder) ModelName() string { return "testtools-embedding" }

// Calls returns every text passed to Embed
func (x *Embedder) Calls() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}

// Generator records every request and answers with Respond, or echoes the user message.
type Generator struct {
	Respond func(ctx context.Context, input *adapter.GenerateInput) (string, error)

	mu    sync.Mutex
	calls []*adapter.GenerateInput
}

var _ adapter.Generator = (*Generator)(nil)

func (x *Generator) Generate(ctx context.Context, input *adapter.GenerateInput) (string, error) {
	x.mu.Lock()
	cp := *input
	cp.History = append(cp.History[:0:0], input.History...)
	cp.Context = append([]string(nil), input.Context...)
	x.calls = append(x.calls, &cp)
	respond := x.Respond
	x.mu.Unlock()

	if respond != nil {
		return respond(ctx, input)
	}
	return "answer: " + input.UserMessage, nil
}

// Calls returns copies of every request received
func (x *Generator) Calls() []*adapter.GenerateInput {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*adapter.GenerateInput(nil), x.calls...)
}
