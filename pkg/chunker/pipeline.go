package chunker

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// Failure records a document that could not be chunked
type Failure struct {
	Index    int
	Document *model.Document
	Err      error
}

// Result of a pipeline run. Chunks are grouped by source document in input
// order; within a document they keep their textual order.
type Result struct {
	Chunks    []*model.Chunk
	Failures  []Failure
	Documents int
}

// ProgressFunc is called after each document with the number finished so far
type ProgressFunc func(done, total int)

// Pipeline chunks documents concurrently. Each document is processed in
// isolation; a failure is recorded and the others continue.
type Pipeline struct {
	splitter *Splitter
	workers  int
	progress ProgressFunc
}

type PipelineOption func(*Pipeline)

func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProgress(fn ProgressFunc) PipelineOption {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

func NewPipeline(splitter *Splitter, opts ...PipelineOption) *Pipeline {
	if splitter == nil {
		splitter = NewSplitter()
	}
	p := &Pipeline{
		splitter: splitter,
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run chunks docs. It only returns an error when ctx is done.
func (p *Pipeline) Run(ctx context.Context, docs []*model.Document) (*Result, error) {
	logger := logging.From(ctx)

	perDoc := make([][]*model.Chunk, len(docs))
	failures := make([]*Failure, len(docs))

	var (
		mu   sync.Mutex
		done int
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers)
	for i, doc := range docs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			chunks, err := p.splitSafely(doc)
			if err != nil {
				logger.Warn("failed to chunk document", "index", i, "id", docID(doc), "error", err)
				failures[i] = &Failure{Index: i, Document: doc, Err: err}
			} else {
				perDoc[i] = chunks
			}

			if p.progress != nil {
				mu.Lock()
				done++
				p.progress(done, len(docs))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, goerr.Wrap(err, "chunking interrupted")
	}

	result := &Result{Documents: len(docs)}
	for i := range docs {
		result.Chunks = append(result.Chunks, perDoc[i]...)
		if failures[i] != nil {
			result.Failures = append(result.Failures, *failures[i])
		}
	}

	logger.Debug("chunked documents",
		"documents", len(docs),
		"chunks", len(result.Chunks),
		"failures", len(result.Failures))
	return result, nil
}

func (p *Pipeline) splitSafely(doc *model.Document) (chunks []*model.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("panic while chunking document", goerr.V("id", docID(doc)), goerr.V("panic", fmt.Sprint(r)))
		}
	}()
	return p.splitter.Split(doc)
}

func docID(doc *model.Document) string {
	if doc == nil {
		return ""
	}
	return doc.ID
}
