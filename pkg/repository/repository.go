// Package repository persists collections of chunks and their embedding vectors.
package repository

import (
	"context"
	"math"
	"sort"

	"github.com/m-mizutani/ragademic/pkg/model"
)

// Repository defines the interface for collection persistence
type Repository interface {
	// CreateCollection creates the collection described by info, or returns the
	// existing record unchanged when a collection with that name exists.
	CreateCollection(ctx context.Context, info *model.CollectionInfo) (*model.CollectionInfo, error)

	// GetCollection retrieves a collection record. Fails with model.ErrNotFound.
	GetCollection(ctx context.Context, name string) (*model.CollectionInfo, error)

	// ListCollections returns every collection record ordered by name
	ListCollections(ctx context.Context) ([]*model.CollectionInfo, error)

	// PutChunk stores a chunk and its vector atomically, overwriting any chunk with the same ID
	PutChunk(ctx context.Context, name string, chunk *model.Chunk, vector []float32) error

	// Query returns up to topK chunks matching filter, by descending cosine similarity
	Query(ctx context.Context, name string, vector []float32, filter model.Filter, topK int) ([]*model.ScoredChunk, error)

	Close() error
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank orders hits by score, ties by chunk ID, and truncates to topK
func rank(hits []*model.ScoredChunk, topK int) []*model.ScoredChunk {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if topK >= 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	if hits == nil {
		hits = []*model.ScoredChunk{}
	}
	return hits
}

func cloneChunk(c *model.Chunk) *model.Chunk {
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	cp.EmbedExclude = append([]string(nil), c.EmbedExclude...)
	return &cp
}
