package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"google.golang.org/genai"
)

const (
	DefaultGenerativeModel     = "gemini-2.0-flash"
	DefaultEmbeddingModel      = "gemini-embedding-001"
	DefaultEmbeddingDimensions = 768
)

// GeminiClient implements Embedder and Generator on top of the Gemini API
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensions      int
}

var (
	_ Embedder  = (*GeminiClient)(nil)
	_ Generator = (*GeminiClient)(nil)
)

type geminiConfig struct {
	apiKey          string
	project         string
	location        string
	generativeModel string
	embeddingModel  string
	dimensions      int
}

type GeminiOption func(*geminiConfig)

// WithAPIKey selects the Gemini Developer API authenticated by key
func WithAPIKey(key string) GeminiOption {
	return func(c *geminiConfig) {
		c.apiKey = key
	}
}

// WithVertexAI selects the Vertex AI backend
func WithVertexAI(projectID, location string) GeminiOption {
	return func(c *geminiConfig) {
		c.project = projectID
		c.location = location
	}
}

func WithGenerativeModel(model string) GeminiOption {
	return func(c *geminiConfig) {
		if model != "" {
			c.generativeModel = model
		}
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(c *geminiConfig) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

func WithEmbeddingDimensions(dim int) GeminiOption {
	return func(c *geminiConfig) {
		if dim > 0 {
			c.dimensions = dim
		}
	}
}

// NewGemini creates a client. An API key takes precedence over Vertex AI settings.
func NewGemini(ctx context.Context, opts ...GeminiOption) (*GeminiClient, error) {
	cfg := &geminiConfig{
		generativeModel: DefaultGenerativeModel,
		embeddingModel:  DefaultEmbeddingModel,
		dimensions:      DefaultEmbeddingDimensions,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var clientConfig *genai.ClientConfig
	switch {
	case cfg.apiKey != "":
		clientConfig = &genai.ClientConfig{
			APIKey:  cfg.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
	case cfg.project != "":
		clientConfig = &genai.ClientConfig{
			Project:  cfg.project,
			Location: cfg.location,
			Backend:  genai.BackendVertexAI,
		}
	default:
		return nil, goerr.Wrap(model.ErrConfig, "gemini api key or vertex project is required")
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	return &GeminiClient{
		client:          client,
		generativeModel: cfg.generativeModel,
		embeddingModel:  cfg.embeddingModel,
		dimensions:      cfg.dimensions,
	}, nil
}

func (g *GeminiClient) Dimensions() int   { return g.dimensions }
func (g *GeminiClient) ModelName() string { return g.embeddingModel }

func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(g.dimensions)
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, classifyError(err, "failed to embed content")
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, goerr.New("no embedding returned", goerr.V("model", g.embeddingModel))
	}

	values := resp.Embeddings[0].Values
	if len(values) != g.dimensions {
		return nil, goerr.Wrap(model.ErrConfig, "embedding dimension mismatch",
			goerr.V("model", g.embeddingModel),
			goerr.V("expected", g.dimensions),
			goerr.V("actual", len(values)))
	}
	return values, nil
}

func (g *GeminiClient) Generate(ctx context.Context, input *GenerateInput) (string, error) {
	contents := buildContents(input)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: buildSystemInstruction(input)}},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return "", classifyError(err, "failed to generate content")
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.New("no candidate generated", goerr.V("model", g.generativeModel))
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return "", goerr.New("empty response generated", goerr.V("model", g.generativeModel))
	}

	return text.String(), nil
}

// buildSystemInstruction appends retrieved context to the assistant preamble
func buildSystemInstruction(input *GenerateInput) string {
	if len(input.Context) == 0 {
		return input.SystemPrompt
	}

	var b strings.Builder
	b.WriteString(input.SystemPrompt)
	b.WriteString("\n\nUse the following course material to answer. ")
	b.WriteString("If it does not cover the question, say so.\n")
	for _, c := range input.Context {
		b.WriteString("--------------------\n")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("--------------------\n")
	return b.String()
}

// buildContents converts conversation memory plus the new message into
// Gemini contents. Error turns recorded for the user are not replayed.
func buildContents(input *GenerateInput) []*genai.Content {
	contents := make([]*genai.Content, 0, len(input.History)+1)
	for _, msg := range input.History {
		if msg.IsError {
			continue
		}
		role := contentRoleUser
		if msg.Role == model.RoleAssistant {
			role = contentRoleModel
		}
		contents = append(contents, textContent(role, msg.Text))
	}
	return append(contents, textContent(contentRoleUser, input.UserMessage))
}

// Gemini content roles
const (
	contentRoleUser  = "user"
	contentRoleModel = "model"
)

func textContent(role, text string) *genai.Content {
	return &genai.Content{
		Role:  role,
		Parts: []*genai.Part{{Text: text}},
	}
}

// classifyError marks overload and server-side failures as transient.
// Gemini signals overload with 503 UNAVAILABLE and quota with 429.
func classifyError(err error, msg string) error {
	if code, status, ok := apiErrorCode(err); ok && (code == 429 || code >= 500) {
		return goerr.Wrap(errors.Join(model.ErrTransient, err), msg,
			goerr.V("code", code),
			goerr.V("status", status))
	}
	return goerr.Wrap(err, msg)
}

func apiErrorCode(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, true
	}
	return 0, "", false
}
