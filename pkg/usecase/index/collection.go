package index

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
)

// Collection is a handle to one persisted collection. Handles for the same
// name share the same stored state.
type Collection struct {
	store *Store
	info  model.CollectionInfo
}

func (c *Collection) Name() string { return c.info.Name }

func (c *Collection) Info() model.CollectionInfo { return c.info }

// ChunkFailure records a chunk that was not stored
type ChunkFailure struct {
	Chunk *model.Chunk
	Err   error
}

// InsertResult reports which chunks of a batch were durably stored
type InsertResult struct {
	Inserted []model.ChunkID
	Failed   []ChunkFailure
}

// Insert embeds and stores each chunk. Each chunk is stored atomically and
// independently; failures are reported in the result. Configuration errors
// (such as a dimension mismatch), overload after retries and cancellation
// abort the remaining batch and are returned with the partial result.
func (c *Collection) Insert(ctx context.Context, chunks []*model.Chunk) (*InsertResult, error) {
	logger := logging.From(ctx)
	result := &InsertResult{}

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return result, goerr.Wrap(err, "insert interrupted", goerr.V("name", c.info.Name), goerr.V("done", i))
		}

		err := c.insertOne(ctx, chunk)
		if err == nil {
			result.Inserted = append(result.Inserted, chunk.ID)
			continue
		}

		result.Failed = append(result.Failed, ChunkFailure{Chunk: chunk, Err: err})
		if isFatal(err) || ctx.Err() != nil {
			return result, err
		}
		logger.Warn("failed to insert chunk",
			"collection", c.info.Name,
			"id", chunk.ID,
			"error", err)
	}

	logger.Debug("inserted chunks",
		"collection", c.info.Name,
		"inserted", len(result.Inserted),
		"failed", len(result.Failed))
	return result, nil
}

func isFatal(err error) bool {
	return errors.Is(err, model.ErrConfig) || errors.Is(err, model.ErrServiceOverloaded)
}

func (c *Collection) insertOne(ctx context.Context, chunk *model.Chunk) error {
	if chunk == nil || chunk.ID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "chunk has no identifier")
	}

	vector, err := c.store.Embed(ctx, chunk.EmbeddingText())
	if err != nil {
		return goerr.Wrap(err, "failed to embed chunk", goerr.V("id", chunk.ID))
	}
	if err := c.info.CheckCompatible(len(vector)); err != nil {
		return err
	}

	mu := c.store.lock(c.info.Name)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.repo.PutChunk(ctx, c.info.Name, chunk, vector); err != nil {
		return goerr.Wrap(err, "failed to store chunk", goerr.V("id", chunk.ID))
	}
	return nil
}

// Query returns up to topK chunks matching filter ordered by descending similarity
func (c *Collection) Query(ctx context.Context, vector []float32, filter model.Filter, topK int) ([]*model.ScoredChunk, error) {
	if err := c.info.CheckCompatible(len(vector)); err != nil {
		return nil, err
	}
	hits, err := c.store.repo.Query(ctx, c.info.Name, vector, filter, topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query collection", goerr.V("name", c.info.Name))
	}
	return hits, nil
}

// Search embeds text and queries the collection with the resulting vector
func (c *Collection) Search(ctx context.Context, text string, filter model.Filter, topK int) ([]*model.ScoredChunk, error) {
	vector, err := c.store.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, vector, filter, topK)
}
