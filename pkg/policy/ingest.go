// Package policy evaluates Rego rules that decide how loaded documents are
// admitted into a course index.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// IngestQuery is the query evaluated for every document. Rules under
// package ingest may define:
//
//	skip                 boolean; drop the document
//	metadata[key] := v   string values merged into the document metadata
const IngestQuery = "data.ingest"

// printHook forwards Rego print() output to the context logger
type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Ingest is a prepared ingest policy
type Ingest struct {
	query *rego.PreparedEvalQuery
}

// Decision is the outcome of the policy for one document
type Decision struct {
	Skip     bool
	Metadata model.Metadata
}

// Skipped records a document dropped by the policy
type Skipped struct {
	Course string
	Path   string
}

// Load prepares every .rego file in dir. It returns nil when dir has none.
func Load(ctx context.Context, dir string) (*Ingest, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	modules := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(model.ErrIO, "failed to read policy file", goerr.V("path", file), goerr.V("cause", err.Error()))
		}
		modules[file] = string(data)
	}
	return New(ctx, modules)
}

// New prepares an ingest policy from module sources keyed by file name
func New(ctx context.Context, modules map[string]string) (*Ingest, error) {
	options := []func(*rego.Rego){
		rego.Query(IngestQuery),
		rego.EnablePrintStatements(true),
	}
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(model.ErrConfig, "failed to prepare ingest policy", goerr.V("query", IngestQuery), goerr.V("cause", err.Error()))
	}
	return &Ingest{query: &prepared}, nil
}

func documentInput(doc *model.Document) map[string]any {
	md := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		md[k] = v
	}
	return map[string]any{
		"id":       doc.ID,
		"text":     doc.Text,
		"length":   len([]rune(doc.Text)),
		"metadata": md,
	}
}

// Evaluate runs the policy against one document
func (p *Ingest) Evaluate(ctx context.Context, doc *model.Document) (*Decision, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(documentInput(doc)), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy")
	}

	decision := &Decision{}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.Wrap(model.ErrConfig, "ingest policy result is not an object",
			goerr.V("type", fmt.Sprintf("%T", rs[0].Expressions[0].Value)))
	}

	if v, ok := data["skip"]; ok {
		skip, ok := v.(bool)
		if !ok {
			return nil, goerr.Wrap(model.ErrConfig, "ingest.skip must be a boolean", goerr.V("value", v))
		}
		decision.Skip = skip
	}

	if v, ok := data["metadata"]; ok {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, goerr.Wrap(model.ErrConfig, "ingest.metadata must be an object", goerr.V("value", v))
		}
		decision.Metadata = make(model.Metadata, len(obj))
		for key, raw := range obj {
			s, ok := raw.(string)
			if !ok {
				return nil, goerr.Wrap(model.ErrConfig, "ingest.metadata values must be strings", goerr.V("key", key), goerr.V("value", raw))
			}
			if key == model.MetaCourse {
				return nil, goerr.Wrap(model.ErrConfig, "ingest policy may not rewrite the course", goerr.V("value", s))
			}
			decision.Metadata[key] = s
		}
	}

	return decision, nil
}

// Apply evaluates every document and returns those admitted, with policy
// metadata merged in. The input documents are not modified.
func (p *Ingest) Apply(ctx context.Context, docs []*model.Document) ([]*model.Document, []Skipped, error) {
	logger := logging.From(ctx)

	admitted := make([]*model.Document, 0, len(docs))
	var skipped []Skipped
	for _, doc := range docs {
		decision, err := p.Evaluate(ctx, doc)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "ingest policy failed",
				goerr.V("course", doc.Course()),
				goerr.V("path", doc.Metadata[model.MetaFilePath]))
		}

		if decision.Skip {
			logger.Info("document skipped by policy", "course", doc.Course(), "path", doc.Metadata[model.MetaFilePath])
			skipped = append(skipped, Skipped{Course: doc.Course(), Path: doc.Metadata[model.MetaFilePath]})
			continue
		}

		if len(decision.Metadata) > 0 {
			md := doc.Metadata.Clone()
			for k, v := range decision.Metadata {
				md[k] = v
			}
			doc = &model.Document{ID: doc.ID, Text: doc.Text, Metadata: md}
		}
		admitted = append(admitted, doc)
	}
	return admitted, skipped, nil
}
