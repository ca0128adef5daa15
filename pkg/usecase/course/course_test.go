package course_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/adapter/testtools"
	"github.com/m-mizutani/ragademic/pkg/chunker"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/policy"
	"github.com/m-mizutani/ragademic/pkg/repository"
	"github.com/m-mizutani/ragademic/pkg/usecase/course"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/retry"
)

func setup(t *testing.T) (*course.UseCase, *index.Store, string) {
	data := t.TempDir()
	write := func(name, file, text string) {
		dir := filepath.Join(data, name)
		gt.NoError(t, os.MkdirAll(dir, 0o755))
		gt.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(text), 0o644))
	}
	write("A", "dfa.txt", "A deterministic finite automaton (DFA) is a 5-tuple.")
	write("A", "notes.md", "Regular languages are closed under union.")
	write("A", "slides.bin", string([]byte{0xff, 0xfe, 0x00}))
	write("B", "graphs.txt", "Dijkstra finds shortest paths.")
	gt.NoError(t, os.MkdirAll(filepath.Join(data, "Empty"), 0o755))

	repo, err := repository.NewSQLite(t.TempDir())
	gt.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := index.New(repo, testtools.NewEmbedder(16), index.WithRetryPolicy(
		retry.New(retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil })),
	))
	uc := course.New(store, course.WithPipeline(chunker.NewPipeline(chunker.NewSplitter(chunker.WithChunkSize(64)))))
	return uc, store, data
}

func TestBuildAll(t *testing.T) {
	ctx := context.Background()
	uc, store, data := setup(t)

	reports, err := uc.Build(ctx, data)
	gt.NoError(t, err)
	gt.A(t, reports).Length(3)

	gt.V(t, reports[0].Course).Equal("A")
	gt.V(t, reports[0].Documents).Equal(2)
	gt.V(t, reports[0].Inserted).Equal(reports[0].Chunks)
	gt.A(t, reports[0].LoadFailures).Length(1)

	gt.V(t, reports[1].Course).Equal("B")
	gt.V(t, reports[1].Documents).Equal(1)

	gt.V(t, reports[2].Course).Equal("Empty")
	gt.V(t, reports[2].Documents).Equal(0)

	infos, err := uc.List(ctx)
	gt.NoError(t, err)
	gt.A(t, infos).Length(3)

	col, err := store.Reload(ctx, "B")
	gt.NoError(t, err)
	hits, err := col.Search(ctx, "shortest paths", model.CourseFilter("B"), 5)
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.S(t, hits[0].Chunk.Text).Contains("Dijkstra")
}

func TestBuildSelectedCourse(t *testing.T) {
	ctx := context.Background()
	uc, _, data := setup(t)

	reports, err := uc.Build(ctx, data, "B")
	gt.NoError(t, err)
	gt.A(t, reports).Length(1)

	ok, err := uc.Exists(ctx, "B")
	gt.NoError(t, err)
	gt.True(t, ok)

	ok, err = uc.Exists(ctx, "A")
	gt.NoError(t, err)
	gt.False(t, ok)
}

func TestBuildMissingRoot(t *testing.T) {
	uc, _, _ := setup(t)
	_, err := uc.Build(context.Background(), filepath.Join(t.TempDir(), "missing"))
	gt.True(t, errors.Is(err, model.ErrIO))
}

func TestBuildTwiceAppends(t *testing.T) {
	ctx := context.Background()
	uc, store, data := setup(t)

	_, err := uc.Build(ctx, data, "B")
	gt.NoError(t, err)
	_, err = uc.Build(ctx, data, "B")
	gt.NoError(t, err)

	col, err := store.Reload(ctx, "B")
	gt.NoError(t, err)
	hits, err := col.Search(ctx, "Dijkstra", nil, 10)
	gt.NoError(t, err)
	// chunk identifiers are fresh on every build
	gt.A(t, hits).Length(2)
}

func TestBuildWithPolicy(t *testing.T) {
	ctx := context.Background()
	_, store, data := setup(t)

	ingest, err := policy.New(ctx, map[string]string{"ingest.rego": `package ingest

skip if {
	input.metadata.file_type == "md"
}

metadata["unit"] := "automata" if {
	input.metadata.course == "A"
}
`})
	gt.NoError(t, err)

	uc := course.New(store,
		course.WithPipeline(chunker.NewPipeline(chunker.NewSplitter(chunker.WithChunkSize(64)))),
		course.WithPolicy(ingest),
	)
	reports, err := uc.Build(ctx, data, "A")
	gt.NoError(t, err)
	gt.A(t, reports).Length(1)
	gt.V(t, reports[0].Documents).Equal(1)
	gt.A(t, reports[0].Skipped).Length(1)

	col, err := store.Reload(ctx, "A")
	gt.NoError(t, err)
	hits, err := col.Search(ctx, "automaton", model.Filter{"unit": "automata"}, 10)
	gt.NoError(t, err)
	gt.A(t, hits).Length(reports[0].Chunks)
}
