// Package course builds and lists per-course collections.
package course

import (
	"context"
	"errors"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/chunker"
	"github.com/m-mizutani/ragademic/pkg/loader"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/policy"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
)

// UseCase provides course build and lookup operations
type UseCase struct {
	store    *index.Store
	loader   *loader.Loader
	pipeline *chunker.Pipeline
	policy   *policy.Ingest
}

// Option is a functional option for UseCase
type Option func(*UseCase)

func WithLoader(l *loader.Loader) Option {
	return func(uc *UseCase) {
		uc.loader = l
	}
}

func WithPipeline(p *chunker.Pipeline) Option {
	return func(uc *UseCase) {
		uc.pipeline = p
	}
}

// WithPolicy filters and annotates loaded documents before chunking
func WithPolicy(p *policy.Ingest) Option {
	return func(uc *UseCase) {
		uc.policy = p
	}
}

// New creates a new course UseCase instance
func New(store *index.Store, opts ...Option) *UseCase {
	uc := &UseCase{
		store:    store,
		loader:   loader.New(),
		pipeline: chunker.NewPipeline(nil),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// BuildReport summarizes the build of one course collection
type BuildReport struct {
	Course         string
	Documents      int
	Chunks         int
	Inserted       int
	Skipped        []policy.Skipped
	LoadFailures   []loader.Failure
	ChunkFailures  []chunker.Failure
	InsertFailures []index.ChunkFailure
}

// Build loads the given courses under root (every course when none is
// given), chunks their documents and inserts the chunks into one collection
// per course. Reports are ordered by course name.
func (uc *UseCase) Build(ctx context.Context, root string, courses ...string) ([]*BuildReport, error) {
	logger := logging.From(ctx)

	docs, loaded, err := uc.load(ctx, root, courses)
	if err != nil {
		return nil, err
	}

	reports := make(map[string]*BuildReport)
	report := func(name string) *BuildReport {
		r, ok := reports[name]
		if !ok {
			r = &BuildReport{Course: name}
			reports[name] = r
		}
		return r
	}
	for _, name := range loaded.Courses {
		report(name)
	}
	for _, f := range loaded.Failures {
		r := report(f.Course)
		r.LoadFailures = append(r.LoadFailures, f)
	}
	if uc.policy != nil {
		admitted, skipped, err := uc.policy.Apply(ctx, docs)
		if err != nil {
			return nil, err
		}
		for _, sk := range skipped {
			r := report(sk.Course)
			r.Skipped = append(r.Skipped, sk)
		}
		docs = admitted
	}
	for _, doc := range docs {
		report(doc.Course()).Documents++
	}

	result, err := uc.pipeline.Run(ctx, docs)
	if err != nil {
		return nil, err
	}
	for _, f := range result.Failures {
		name := ""
		if f.Document != nil {
			name = f.Document.Course()
		}
		r := report(name)
		r.ChunkFailures = append(r.ChunkFailures, f)
	}

	byCourse := make(map[string][]*model.Chunk)
	for _, c := range result.Chunks {
		name := c.Metadata[model.MetaCourse]
		byCourse[name] = append(byCourse[name], c)
	}

	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*BuildReport
	for _, name := range names {
		r := reports[name]
		out = append(out, r)
		if name == "" {
			continue
		}

		col, err := uc.store.GetOrCreate(ctx, name)
		if err != nil {
			return out, goerr.Wrap(err, "failed to open course collection", goerr.V("course", name))
		}

		chunks := byCourse[name]
		r.Chunks = len(chunks)
		inserted, err := col.Insert(ctx, chunks)
		if inserted != nil {
			r.Inserted = len(inserted.Inserted)
			r.InsertFailures = inserted.Failed
		}
		if err != nil {
			return out, goerr.Wrap(err, "failed to build course collection", goerr.V("course", name))
		}

		logger.Info("built course collection",
			"course", name,
			"documents", r.Documents,
			"chunks", r.Chunks,
			"inserted", r.Inserted,
			"failures", len(r.LoadFailures)+len(r.ChunkFailures)+len(r.InsertFailures))
	}

	return out, nil
}

func (uc *UseCase) load(ctx context.Context, root string, courses []string) ([]*model.Document, *loader.Report, error) {
	if len(courses) == 0 {
		return uc.loader.Load(ctx, root)
	}

	all := &loader.Report{}
	var docs []*model.Document
	for _, name := range courses {
		d, r, err := uc.loader.LoadCourse(ctx, root, name)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, d...)
		all.Courses = append(all.Courses, r.Courses...)
		all.Files += r.Files
		all.Failures = append(all.Failures, r.Failures...)
	}
	return docs, all, nil
}

// List returns every course that has a collection
func (uc *UseCase) List(ctx context.Context) ([]*model.CollectionInfo, error) {
	return uc.store.List(ctx)
}

// Exists reports whether a collection was built for course
func (uc *UseCase) Exists(ctx context.Context, course string) (bool, error) {
	if _, err := uc.store.Reload(ctx, course); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
