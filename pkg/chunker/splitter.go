// Package chunker splits documents into bounded, independently embeddable chunks.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
)

const (
	// DefaultChunkSize is the maximum estimated token count of a chunk
	DefaultChunkSize = 1024
	// DefaultChunkOverlap is the estimated token count repeated between neighbouring chunks
	DefaultChunkOverlap = 200
)

// Splitter cuts text at whitespace into spans of at most ChunkSize estimated
// tokens. A word longer than a whole chunk is cut by runes.
type Splitter struct {
	chunkSize    int
	overlap      int
	embedExclude []string
}

type SplitterOption func(*Splitter)

func WithChunkSize(size int) SplitterOption {
	return func(s *Splitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

func WithChunkOverlap(overlap int) SplitterOption {
	return func(s *Splitter) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// WithEmbedExclude replaces the metadata keys excluded from embedding input
func WithEmbedExclude(keys []string) SplitterOption {
	return func(s *Splitter) {
		s.embedExclude = append([]string(nil), keys...)
	}
}

func NewSplitter(opts ...SplitterOption) *Splitter {
	s := &Splitter{
		chunkSize:    DefaultChunkSize,
		overlap:      DefaultChunkOverlap,
		embedExclude: model.DefaultEmbedExclude,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Ensure overlap doesn't swallow the whole window
	if s.overlap >= s.chunkSize {
		s.overlap = s.chunkSize / 4
	}
	return s
}

func (s *Splitter) ChunkSize() int { return s.chunkSize }
func (s *Splitter) Overlap() int   { return s.overlap }

// word is a run of non-space bytes in the source text
type word struct {
	start, end int
	tokens     int
	sentence   bool // ends a sentence
}

// Split turns one document into chunks with fresh identifiers. Any ID the
// document carries is ignored.
func (s *Splitter) Split(doc *model.Document) ([]*model.Chunk, error) {
	if doc == nil {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "document is nil")
	}
	if doc.Course() == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "document has no course metadata", goerr.V("id", doc.ID))
	}

	words := s.words(doc.Text)
	if len(words) == 0 {
		return nil, nil
	}

	var chunks []*model.Chunk
	for i := 0; i < len(words); {
		j := s.windowEnd(words, i)
		start, end := words[i].start, words[j-1].end

		chunks = append(chunks, &model.Chunk{
			ID:           model.NewChunkID(),
			Text:         doc.Text[start:end],
			Metadata:     doc.Metadata.Clone(),
			EmbedExclude: append([]string(nil), s.embedExclude...),
			Start:        start,
			End:          end,
		})

		if j >= len(words) {
			break
		}
		i = s.nextStart(words, i, j)
	}
	return chunks, nil
}

// windowEnd returns the exclusive end of the window starting at i, preferring
// a sentence end in the back half of the window.
func (s *Splitter) windowEnd(words []word, i int) int {
	j, total := i, 0
	for j < len(words) && (j == i || total+words[j].tokens <= s.chunkSize) {
		total += words[j].tokens
		j++
	}
	if j >= len(words) {
		return j
	}

	for k := j - 1; k > i+(j-i)/2; k-- {
		if words[k].sentence {
			return k + 1
		}
	}
	return j
}

// nextStart backs up from j by up to overlap tokens, always moving past i.
func (s *Splitter) nextStart(words []word, i, j int) int {
	next, total := j, 0
	for next-1 > i && total+words[next-1].tokens <= s.overlap {
		total += words[next-1].tokens
		next--
	}
	return next
}

func (s *Splitter) words(text string) []word {
	maxRunes := s.chunkSize * 4

	var words []word
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		words = append(words, s.cut(text, start, end, maxRunes)...)
		start = -1
	}

	for pos, r := range text {
		if unicode.IsSpace(r) {
			flush(pos)
			continue
		}
		if start < 0 {
			start = pos
		}
	}
	flush(len(text))
	return words
}

// cut splits text[start:end] into pieces within maxRunes
func (s *Splitter) cut(text string, start, end, maxRunes int) []word {
	w := text[start:end]
	if utf8.RuneCountInString(w) <= maxRunes {
		return []word{{start: start, end: end, tokens: max(model.EstimateTokens(w), 1), sentence: endsSentence(w)}}
	}

	var pieces []word
	pieceStart, runes := start, 0
	for pos := range w {
		if runes == maxRunes {
			pieces = append(pieces, word{start: pieceStart, end: start + pos, tokens: s.chunkSize})
			pieceStart, runes = start+pos, 0
		}
		runes++
	}
	tail := text[pieceStart:end]
	pieces = append(pieces, word{start: pieceStart, end: end, tokens: max(model.EstimateTokens(tail), 1), sentence: endsSentence(tail)})
	return pieces
}

func endsSentence(w string) bool {
	w = strings.TrimRight(w, `"')]}»”’`)
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") || strings.HasSuffix(w, "。")
}
