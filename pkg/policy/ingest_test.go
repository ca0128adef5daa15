package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/policy"
)

const ingestPolicy = `package ingest

skip if {
	input.metadata.file_type == "bin"
}

skip if {
	input.length < 5
}

metadata["level"] := "intro" if {
	startswith(input.metadata.topic, "01")
}
`

func doc(course, topic, fileType, text string) *model.Document {
	return &model.Document{
		Text: text,
		Metadata: model.Metadata{
			model.MetaCourse:   course,
			model.MetaTopic:    topic,
			model.MetaFileType: fileType,
			model.MetaFilePath: "/data/" + course + "/" + topic + "." + fileType,
		},
	}
}

func TestLoadWithoutPolicies(t *testing.T) {
	p, err := policy.Load(context.Background(), t.TempDir())
	gt.NoError(t, err)
	gt.True(t, p == nil)
}

func TestLoadInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.rego"), []byte("package ingest\n\nskip if {"), 0o644))

	_, err := policy.Load(context.Background(), dir)
	gt.Error(t, err)
	gt.V(t, model.KindOf(err)).Equal(model.ErrorKindConfig)
}

func TestIngestApply(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.rego"), []byte(ingestPolicy), 0o644))

	p, err := policy.Load(ctx, dir)
	gt.NoError(t, err)

	intro := doc("Theory-of-Automata", "01-dfa", "txt", "A DFA has exactly one transition per symbol.")
	docs := []*model.Document{
		intro,
		doc("Theory-of-Automata", "slides", "bin", "binary content here"),
		doc("Theory-of-Automata", "02-nfa", "txt", "tiny"),
		doc("Theory-of-Automata", "03-pda", "md", "A pushdown automaton uses a stack."),
	}

	admitted, skipped, err := p.Apply(ctx, docs)
	gt.NoError(t, err)
	gt.A(t, admitted).Length(2)
	gt.A(t, skipped).Length(2)

	gt.V(t, admitted[0].Metadata["level"]).Equal("intro")
	gt.V(t, admitted[0].Metadata[model.MetaCourse]).Equal("Theory-of-Automata")
	_, ok := admitted[1].Metadata["level"]
	gt.False(t, ok)

	// input documents are left untouched
	_, ok = intro.Metadata["level"]
	gt.False(t, ok)
}

func TestIngestEvaluateWithoutRules(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"empty.rego": "package other\n\nx := 1\n"})
	gt.NoError(t, err)

	d, err := p.Evaluate(ctx, doc("Algorithms", "sorting", "txt", "Merge sort divides the input."))
	gt.NoError(t, err)
	gt.False(t, d.Skip)
	gt.V(t, len(d.Metadata)).Equal(0)
}

func TestIngestRejectsCourseRewrite(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"ingest.rego": `package ingest

metadata["course"] := "Other"
`})
	gt.NoError(t, err)

	_, err = p.Evaluate(ctx, doc("Algorithms", "sorting", "txt", "Merge sort divides the input."))
	gt.Error(t, err)
	gt.V(t, model.KindOf(err)).Equal(model.ErrorKindConfig)
}

func TestIngestRejectsNonStringMetadata(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"ingest.rego": `package ingest

metadata["weight"] := 3
`})
	gt.NoError(t, err)

	_, err = p.Evaluate(ctx, doc("Algorithms", "sorting", "txt", "Merge sort divides the input."))
	gt.Error(t, err)
	gt.V(t, model.KindOf(err)).Equal(model.ErrorKindConfig)
}
