package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/repository"
)

func newChunk(course, text string) *model.Chunk {
	return &model.Chunk{
		ID:           model.NewChunkID(),
		Text:         text,
		Metadata:     model.Metadata{model.MetaCourse: course, model.MetaTopic: "topic"},
		EmbedExclude: []string{model.MetaFilePath},
		Start:        0,
		End:          len(text),
	}
}

func info(name string) *model.CollectionInfo {
	return &model.CollectionInfo{Name: name, Dimension: 3, EmbeddingModel: "test-embedding"}
}

// testRepository runs the behaviours every backend must share
func testRepository(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	t.Run("get or create returns existing record", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		name := fmt.Sprintf("course-%d", time.Now().UnixNano())

		first, err := repo.CreateCollection(ctx, info(name))
		gt.NoError(t, err)
		gt.V(t, first.Dimension).Equal(3)

		again := info(name)
		again.Dimension = 99
		second, err := repo.CreateCollection(ctx, again)
		gt.NoError(t, err)
		gt.V(t, second.Dimension).Equal(3)
		gt.True(t, second.CreatedAt.Equal(first.CreatedAt))
	})

	t.Run("missing collection", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.GetCollection(ctx, "never-created")
		gt.True(t, errors.Is(err, model.ErrNotFound))

		_, err = repo.Query(ctx, "never-created", []float32{1, 0, 0}, nil, 3)
		gt.True(t, errors.Is(err, model.ErrNotFound))

		err = repo.PutChunk(ctx, "never-created", newChunk("x", "text"), []float32{1, 0, 0})
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("query ranks and filters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		name := fmt.Sprintf("mixed-%d", time.Now().UnixNano())
		_, err := repo.CreateCollection(ctx, info(name))
		gt.NoError(t, err)

		a1 := newChunk("A", "closest")
		a2 := newChunk("A", "further")
		b1 := newChunk("B", "other course, exact match")
		gt.NoError(t, repo.PutChunk(ctx, name, a1, []float32{1, 0.1, 0}))
		gt.NoError(t, repo.PutChunk(ctx, name, a2, []float32{0, 1, 0}))
		gt.NoError(t, repo.PutChunk(ctx, name, b1, []float32{1, 0, 0}))

		hits, err := repo.Query(ctx, name, []float32{1, 0, 0}, model.CourseFilter("A"), 10)
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
		gt.V(t, hits[0].Chunk.ID).Equal(a1.ID)
		gt.V(t, hits[1].Chunk.ID).Equal(a2.ID)
		gt.True(t, hits[0].Score > hits[1].Score)
		for _, hit := range hits {
			gt.V(t, hit.Chunk.Metadata[model.MetaCourse]).Equal("A")
		}
		gt.V(t, hits[0].Chunk.Text).Equal("closest")
		gt.A(t, hits[0].Chunk.EmbedExclude).Length(1)

		top1, err := repo.Query(ctx, name, []float32{1, 0, 0}, nil, 1)
		gt.NoError(t, err)
		gt.A(t, top1).Length(1)
		gt.V(t, top1[0].Chunk.ID).Equal(b1.ID)

		none, err := repo.Query(ctx, name, []float32{1, 0, 0}, model.CourseFilter("C"), 10)
		gt.NoError(t, err)
		gt.A(t, none).Length(0)
	})

	t.Run("put overwrites by id", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		name := fmt.Sprintf("overwrite-%d", time.Now().UnixNano())
		_, err := repo.CreateCollection(ctx, info(name))
		gt.NoError(t, err)

		c := newChunk("A", "old text")
		gt.NoError(t, repo.PutChunk(ctx, name, c, []float32{0, 1, 0}))

		updated := *c
		updated.Text = "new text"
		gt.NoError(t, repo.PutChunk(ctx, name, &updated, []float32{1, 0, 0}))

		hits, err := repo.Query(ctx, name, []float32{1, 0, 0}, nil, 10)
		gt.NoError(t, err)
		gt.A(t, hits).Length(1)
		gt.V(t, hits[0].Chunk.Text).Equal("new text")
		gt.True(t, hits[0].Score > 0.99)
	})

	t.Run("ties broken by id", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		name := fmt.Sprintf("ties-%d", time.Now().UnixNano())
		_, err := repo.CreateCollection(ctx, info(name))
		gt.NoError(t, err)

		for i := 0; i < 5; i++ {
			gt.NoError(t, repo.PutChunk(ctx, name, newChunk("A", fmt.Sprintf("same %d", i)), []float32{0, 0, 1}))
		}
		hits, err := repo.Query(ctx, name, []float32{0, 0, 1}, nil, 10)
		gt.NoError(t, err)
		gt.A(t, hits).Length(5)
		for i := 1; i < len(hits); i++ {
			gt.True(t, hits[i-1].Chunk.ID < hits[i].Chunk.ID)
		}

		// the cutoff keeps the lowest IDs among equal scores
		top2, err := repo.Query(ctx, name, []float32{0, 0, 1}, nil, 2)
		gt.NoError(t, err)
		gt.A(t, top2).Length(2)
		gt.V(t, top2[0].Chunk.ID).Equal(hits[0].Chunk.ID)
		gt.V(t, top2[1].Chunk.ID).Equal(hits[1].Chunk.ID)
	})

	t.Run("invalid name", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.CreateCollection(context.Background(), info("a/b"))
		gt.True(t, errors.Is(err, model.ErrConfig))
	})
}

func TestMemory(t *testing.T) {
	testRepository(t, func(t *testing.T) repository.Repository {
		return repository.NewMemory()
	})
}

func TestSQLite(t *testing.T) {
	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewSQLite(t.TempDir())
		gt.NoError(t, err)
		t.Cleanup(func() { gt.NoError(t, repo.Close()) })
		return repo
	})
}

func TestFirestore(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewFirestore(context.Background(), projectID, databaseID)
		gt.NoError(t, err)
		t.Cleanup(func() { gt.NoError(t, repo.Close()) })
		return repo
	})
}

func TestSQLiteReload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	repo, err := repository.NewSQLite(root)
	gt.NoError(t, err)
	created, err := repo.CreateCollection(ctx, info("Algorithms"))
	gt.NoError(t, err)

	vectors := [][]float32{{1, 0, 0}, {0.8, 0.2, 0}, {0.1, 0.9, 0}, {0, 0, 1}}
	for i, v := range vectors {
		gt.NoError(t, repo.PutChunk(ctx, "Algorithms", newChunk("Algorithms", fmt.Sprintf("chunk %d", i)), v))
	}

	query := []float32{0.9, 0.3, 0.1}
	before, err := repo.Query(ctx, "Algorithms", query, model.CourseFilter("Algorithms"), 3)
	gt.NoError(t, err)
	gt.NoError(t, repo.Close())

	reopened, err := repository.NewSQLite(root)
	gt.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetCollection(ctx, "Algorithms")
	gt.NoError(t, err)
	gt.V(t, got.Dimension).Equal(created.Dimension)
	gt.V(t, got.EmbeddingModel).Equal("test-embedding")
	gt.True(t, got.CreatedAt.Equal(created.CreatedAt))

	after, err := reopened.Query(ctx, "Algorithms", query, model.CourseFilter("Algorithms"), 3)
	gt.NoError(t, err)
	gt.A(t, after).Length(len(before))
	for i := range before {
		gt.V(t, after[i].Chunk.ID).Equal(before[i].Chunk.ID)
		gt.V(t, after[i].Score).Equal(before[i].Score)
	}
}

func TestSQLiteListCollections(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	repo, err := repository.NewSQLite(root)
	gt.NoError(t, err)
	defer repo.Close()

	for _, name := range []string{"Theory-of-Automata", "Algorithms"} {
		_, err := repo.CreateCollection(ctx, info(name))
		gt.NoError(t, err)
	}
	// a directory without a database is not a collection
	gt.NoError(t, os.MkdirAll(filepath.Join(root, "stray"), 0o755))

	infos, err := repo.ListCollections(ctx)
	gt.NoError(t, err)
	gt.A(t, infos).Length(2)
	gt.V(t, infos[0].Name).Equal("Algorithms")
	gt.V(t, infos[1].Name).Equal("Theory-of-Automata")

	_, err = repo.GetCollection(ctx, "stray")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSQLiteConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewSQLite(t.TempDir())
	gt.NoError(t, err)
	defer repo.Close()

	var wg sync.WaitGroup
	results := make([]*model.CollectionInfo, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := info("Shared")
			in.EmbeddingModel = fmt.Sprintf("model-%d", i)
			results[i], errs[i] = repo.CreateCollection(ctx, in)
		}(i)
	}
	wg.Wait()

	for i := range results {
		gt.NoError(t, errs[i])
		gt.V(t, results[i].EmbeddingModel).Equal(results[0].EmbeddingModel)
	}
}

func TestFirestoreNearestLimit(t *testing.T) {
	gt.V(t, repository.NearestLimitForTest(1)).Equal(17)
	gt.V(t, repository.NearestLimitForTest(3)).Equal(19)
	gt.V(t, repository.NearestLimitForTest(990)).Equal(1000)
	gt.V(t, repository.NearestLimitForTest(1000)).Equal(1000)
}
