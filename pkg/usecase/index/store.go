// Package index manages named vector collections: creation, reload,
// insertion of embedded chunks and similarity queries.
package index

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/repository"
	"github.com/m-mizutani/ragademic/pkg/utils/retry"
)

// Store binds a repository to the embedding function used for every
// collection it opens.
type Store struct {
	repo     repository.Repository
	embedder adapter.Embedder
	retry    *retry.Policy

	// locks holds one *sync.Mutex per collection name
	locks sync.Map
}

// Option is a functional option for Store
type Option func(*Store)

// WithRetryPolicy replaces the backoff policy used for embedding calls
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Store) {
		s.retry = p
	}
}

// New creates a Store
func New(repo repository.Repository, embedder adapter.Embedder, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		embedder: embedder,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = retry.New()
	}
	if s.retry.Retryable == nil {
		p := *s.retry
		p.Retryable = IsTransient
		s.retry = &p
	}
	return s
}

// IsTransient reports whether err is worth retrying against an external service
func IsTransient(err error) bool {
	return errors.Is(err, model.ErrTransient)
}

func (s *Store) lock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Embedder returns the embedding function bound to the store
func (s *Store) Embedder() adapter.Embedder { return s.embedder }

// GetOrCreate opens collection name, creating an empty one if it does not exist.
func (s *Store) GetOrCreate(ctx context.Context, name string) (*Collection, error) {
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	info, err := s.repo.CreateCollection(ctx, &model.CollectionInfo{
		Name:           name,
		Dimension:      s.embedder.Dimensions(),
		EmbeddingModel: s.embedder.ModelName(),
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get or create collection", goerr.V("name", name))
	}
	return s.bind(info)
}

// Reload opens a collection from persisted state only. Fails with
// model.ErrNotFound if it was never created.
func (s *Store) Reload(ctx context.Context, name string) (*Collection, error) {
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	info, err := s.repo.GetCollection(ctx, name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to reload collection", goerr.V("name", name))
	}
	return s.bind(info)
}

// List returns every persisted collection
func (s *Store) List(ctx context.Context) ([]*model.CollectionInfo, error) {
	infos, err := s.repo.ListCollections(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list collections")
	}
	return infos, nil
}

func (s *Store) bind(info *model.CollectionInfo) (*Collection, error) {
	if err := info.CheckCompatible(s.embedder.Dimensions()); err != nil {
		return nil, err
	}
	return &Collection{store: s, info: *info}, nil
}

// Embed computes the embedding of text with retry. Exhausted retries on a
// transient failure return model.ErrServiceOverloaded.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		v, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, goerr.Wrap(errors.Join(model.ErrServiceOverloaded, err), "embedding service overloaded")
		}
		return nil, goerr.Wrap(err, "failed to embed text")
	}

	if len(vector) != s.embedder.Dimensions() {
		return nil, goerr.Wrap(model.ErrConfig, "embedding has unexpected dimension",
			goerr.V("expected", s.embedder.Dimensions()),
			goerr.V("actual", len(vector)))
	}
	return vector, nil
}
