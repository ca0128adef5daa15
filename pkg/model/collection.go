package model

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// CollectionInfo is the metadata record persisted alongside a collection's vectors.
type CollectionInfo struct {
	Name           string
	Dimension      int
	EmbeddingModel string
	CreatedAt      time.Time
}

// Validate checks the record can describe a collection.
func (c *CollectionInfo) Validate() error {
	if err := ValidateCollectionName(c.Name); err != nil {
		return err
	}
	if c.Dimension <= 0 {
		return goerr.Wrap(ErrConfig, "embedding dimension must be positive", goerr.V("name", c.Name), goerr.V("dimension", c.Dimension))
	}
	return nil
}

// CheckCompatible fails with ErrConfig when a collection was built with a
// different embedding dimensionality than dim.
func (c *CollectionInfo) CheckCompatible(dim int) error {
	if c.Dimension != dim {
		return goerr.Wrap(ErrConfig, "embedding dimension mismatch",
			goerr.V("name", c.Name),
			goerr.V("collection_dimension", c.Dimension),
			goerr.V("embedder_dimension", dim))
	}
	return nil
}

// ValidateCollectionName accepts names usable as a single path segment.
// Names are case-sensitive.
func ValidateCollectionName(name string) error {
	switch {
	case name == "":
		return goerr.Wrap(ErrConfig, "collection name is empty")
	case name == "." || name == "..":
		return goerr.Wrap(ErrConfig, "collection name is not a valid path segment", goerr.V("name", name))
	case strings.ContainsAny(name, `/\`+"\x00"):
		return goerr.Wrap(ErrConfig, "collection name contains a path separator", goerr.V("name", name))
	}
	return nil
}

// Filter is an exact-match predicate over chunk metadata. Every key must match.
type Filter map[string]string

// CourseFilter restricts retrieval to one course
func CourseFilter(course string) Filter {
	return Filter{MetaCourse: course}
}

// Match reports whether md satisfies every condition of f. An empty filter matches everything.
func (f Filter) Match(md Metadata) bool {
	for k, v := range f {
		got, ok := md[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}
