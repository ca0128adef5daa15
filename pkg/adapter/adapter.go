package adapter

import (
	"context"

	"github.com/m-mizutani/ragademic/pkg/model"
)

// Embedder maps text to a fixed-length vector. Dimensions is fixed per
// deployment and must match what a collection was built with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	ModelName() string
}

// GenerateInput is everything sent to the generation service for one turn
type GenerateInput struct {
	SystemPrompt string
	History      []model.Message
	// Context holds retrieved chunk texts supporting the answer
	Context     []string
	UserMessage string
}

// Generator produces an assistant reply. Overload failures match model.ErrTransient.
type Generator interface {
	Generate(ctx context.Context, input *GenerateInput) (string, error)
}
