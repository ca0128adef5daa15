package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
)

type memoryCollection struct {
	info    model.CollectionInfo
	chunks  map[model.ChunkID]*model.Chunk
	vectors map[model.ChunkID][]float32
}

// Memory keeps collections in process memory. Contents are lost on exit.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memoryCollection),
	}
}

func (x *Memory) CreateCollection(ctx context.Context, info *model.CollectionInfo) (*model.CollectionInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if c, ok := x.collections[info.Name]; ok {
		out := c.info
		return &out, nil
	}

	c := &memoryCollection{
		info:    *info,
		chunks:  make(map[model.ChunkID]*model.Chunk),
		vectors: make(map[model.ChunkID][]float32),
	}
	if c.info.CreatedAt.IsZero() {
		c.info.CreatedAt = time.Now()
	}
	x.collections[info.Name] = c

	out := c.info
	return &out, nil
}

func (x *Memory) GetCollection(ctx context.Context, name string) (*model.CollectionInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "collection not found", goerr.V("name", name))
	}
	out := c.info
	return &out, nil
}

func (x *Memory) ListCollections(ctx context.Context) ([]*model.CollectionInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	infos := make([]*model.CollectionInfo, 0, len(x.collections))
	for _, c := range x.collections {
		info := c.info
		infos = append(infos, &info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (x *Memory) PutChunk(ctx context.Context, name string, chunk *model.Chunk, vector []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.collections[name]
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "collection not found", goerr.V("name", name))
	}
	c.chunks[chunk.ID] = cloneChunk(chunk)
	c.vectors[chunk.ID] = append([]float32(nil), vector...)
	return nil
}

func (x *Memory) Query(ctx context.Context, name string, vector []float32, filter model.Filter, topK int) ([]*model.ScoredChunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "collection not found", goerr.V("name", name))
	}

	var hits []*model.ScoredChunk
	for id, chunk := range c.chunks {
		if !filter.Match(chunk.Metadata) {
			continue
		}
		hits = append(hits, &model.ScoredChunk{
			Chunk: cloneChunk(chunk),
			Score: cosine(vector, c.vectors[id]),
		})
	}
	return rank(hits, topK), nil
}

func (x *Memory) Close() error { return nil }
