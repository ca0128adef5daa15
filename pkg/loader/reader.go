package loader

import (
	"context"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
)

// Reader extracts raw text documents from one file. The loader supplies base
// metadata; a reader may add fields such as page_label.
type Reader interface {
	Read(ctx context.Context, path string, base model.Metadata) ([]*model.Document, error)
}

// ReaderFunc adapts a function to Reader
type ReaderFunc func(ctx context.Context, path string, base model.Metadata) ([]*model.Document, error)

func (f ReaderFunc) Read(ctx context.Context, path string, base model.Metadata) ([]*model.Document, error) {
	return f(ctx, path, base)
}

// TextReader reads UTF-8 text files as a single document
var TextReader = ReaderFunc(func(ctx context.Context, path string, base model.Metadata) ([]*model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(model.ErrIO, "failed to read file", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	if !utf8.Valid(data) {
		return nil, goerr.Wrap(model.ErrIO, "file is not valid UTF-8 text", goerr.V("path", path))
	}

	return []*model.Document{{
		ID:       path,
		Text:     string(data),
		Metadata: base.Clone(),
	}}, nil
})

// PDFReader reads each non-empty page of a PDF as its own document labelled with page_label
var PDFReader = ReaderFunc(func(ctx context.Context, path string, base model.Metadata) ([]*model.Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, goerr.Wrap(model.ErrIO, "failed to open pdf", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	defer f.Close()

	var docs []*model.Document
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "pdf extraction interrupted", goerr.V("path", path))
		}

		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, goerr.Wrap(model.ErrIO, "failed to extract pdf text",
				goerr.V("path", path), goerr.V("page", i), goerr.V("cause", err.Error()))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		md := base.Clone()
		md[model.MetaPageLabel] = strconv.Itoa(i)
		docs = append(docs, &model.Document{
			ID:       path + "#" + strconv.Itoa(i),
			Text:     text,
			Metadata: md,
		})
	}
	return docs, nil
})

// DefaultReaders maps lower-case file extensions to readers
func DefaultReaders() map[string]Reader {
	return map[string]Reader{
		".txt":      TextReader,
		".md":       TextReader,
		".markdown": TextReader,
		".pdf":      PDFReader,
	}
}
