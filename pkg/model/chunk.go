package model

import (
	"github.com/google/uuid"
)

type ChunkID string

// NewChunkID generates a new random 128-bit chunk identifier
func NewChunkID() ChunkID {
	return ChunkID(uuid.New().String())
}

// Chunk is a bounded span of a document's text. It is immutable once created.
type Chunk struct {
	ID       ChunkID
	Text     string
	Metadata Metadata
	// EmbedExclude names metadata keys that stay on the chunk for filtering
	// but are stripped from the embedding input.
	EmbedExclude []string

	// Start and End are byte offsets of Text within the source document.
	Start int
	End   int
}

// EmbeddingText is the text handed to the embedding function: non-excluded
// metadata as "key: value" lines followed by the chunk text.
func (c *Chunk) EmbeddingText() string {
	header := renderMetadata(c.Metadata, c.EmbedExclude)
	if header == "" {
		return c.Text
	}
	return header + "\n\n" + c.Text
}

// ScoredChunk is a query hit
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}
