package model

import (
	"sort"
	"strings"
)

// Metadata keys attached to documents and inherited by chunks.
const (
	MetaCourse           = "course"
	MetaTopic            = "topic"
	MetaFilePath         = "file_path"
	MetaFileName         = "file_name"
	MetaFileType         = "file_type"
	MetaFileSize         = "file_size"
	MetaLastModifiedDate = "last_modified_date"
	MetaPageLabel        = "page_label"
)

// DefaultEmbedExclude lists metadata keys kept for filtering but never sent to the embedding function.
var DefaultEmbedExclude = []string{
	MetaFilePath,
	MetaFileName,
	MetaFileType,
	MetaFileSize,
	MetaLastModifiedDate,
	MetaPageLabel,
}

// Metadata is a flat string map attached to documents and chunks
type Metadata map[string]string

// Clone returns an independent copy of m
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the keys of m in sorted order
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Document is the content of one source file (or one page of it) plus provenance metadata.
type Document struct {
	// ID is whatever the source assigned. Chunking discards it.
	ID       string
	Text     string
	Metadata Metadata
}

func (d *Document) Course() string { return d.Metadata[MetaCourse] }
func (d *Document) Topic() string  { return d.Metadata[MetaTopic] }

// renderMetadata renders metadata as sorted "key: value" lines, skipping excluded keys.
func renderMetadata(md Metadata, exclude []string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	var lines []string
	for _, k := range md.Keys() {
		if _, ok := skip[k]; ok {
			continue
		}
		lines = append(lines, k+": "+md[k])
	}
	return strings.Join(lines, "\n")
}
