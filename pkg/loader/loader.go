// Package loader collects raw course documents from a directory tree with
// one subdirectory per course.
package loader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
)

// Failure records one file that could not be loaded
type Failure struct {
	Course string
	Path   string
	Err    error
}

// Report summarizes a scan
type Report struct {
	Courses  []string
	Files    int
	Failures []Failure
}

// Loader scans a storage root
type Loader struct {
	readers map[string]Reader
}

type Option func(*Loader)

// WithReader registers r for a file extension such as ".docx"
func WithReader(ext string, r Reader) Option {
	return func(l *Loader) {
		l.readers[strings.ToLower(ext)] = r
	}
}

func New(opts ...Option) *Loader {
	l := &Loader{readers: DefaultReaders()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load produces documents for every regular file under every course
// subdirectory of root. Non-directory entries at the root are ignored.
// Files without a registered reader are read as UTF-8 text. Files that
// fail are recorded in the report and skipped.
func (l *Loader) Load(ctx context.Context, root string) ([]*model.Document, *Report, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, goerr.Wrap(model.ErrIO, "failed to read storage root", goerr.V("root", root), goerr.V("cause", err.Error()))
	}

	report := &Report{}
	var docs []*model.Document
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}

		courseDocs, err := l.loadCourse(ctx, root, entry.Name(), report)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, courseDocs...)
	}

	return docs, report, nil
}

// LoadCourse loads a single course subdirectory
func (l *Loader) LoadCourse(ctx context.Context, root, course string) ([]*model.Document, *Report, error) {
	if err := model.ValidateCollectionName(course); err != nil {
		return nil, nil, err
	}

	dir := filepath.Join(root, course)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, goerr.Wrap(model.ErrIO, "failed to stat course directory", goerr.V("path", dir), goerr.V("cause", err.Error()))
	}
	if !info.IsDir() {
		return nil, nil, goerr.Wrap(model.ErrIO, "course path is not a directory", goerr.V("path", dir))
	}

	report := &Report{}
	docs, err := l.loadCourse(ctx, root, course, report)
	if err != nil {
		return nil, nil, err
	}
	return docs, report, nil
}

func (l *Loader) loadCourse(ctx context.Context, root, course string, report *Report) ([]*model.Document, error) {
	logger := logging.From(ctx).With("course", course)
	report.Courses = append(report.Courses, course)

	var paths []string
	walkErr := filepath.WalkDir(filepath.Join(root, course), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report.Failures = append(report.Failures, Failure{Course: course, Path: path, Err: goerr.Wrap(model.ErrIO, "failed to walk", goerr.V("path", path), goerr.V("cause", err.Error()))})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) && path != filepath.Join(root, course) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, goerr.Wrap(model.ErrIO, "failed to walk course directory", goerr.V("course", course), goerr.V("cause", walkErr.Error()))
	}
	sort.Strings(paths)

	var docs []*model.Document
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "loading interrupted")
		}

		report.Files++
		fileDocs, err := l.readFile(ctx, course, path)
		if err != nil {
			logger.Warn("skip unreadable file", "path", path, "error", err)
			report.Failures = append(report.Failures, Failure{Course: course, Path: path, Err: err})
			continue
		}
		docs = append(docs, fileDocs...)
	}

	logger.Info("loaded course documents", "files", len(paths), "documents", len(docs))
	return docs, nil
}

func (l *Loader) readFile(ctx context.Context, course, path string) ([]*model.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	reader, ok := l.readers[ext]
	if !ok {
		// unknown types are read as text; binary content fails in TextReader
		reader = TextReader
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, goerr.Wrap(model.ErrIO, "failed to stat file", goerr.V("path", path), goerr.V("cause", err.Error()))
	}

	return reader.Read(ctx, path, baseMetadata(course, path, info))
}

func baseMetadata(course, path string, info fs.FileInfo) model.Metadata {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return model.Metadata{
		model.MetaCourse:           course,
		model.MetaTopic:            strings.TrimSuffix(name, ext),
		model.MetaFilePath:         abs,
		model.MetaFileName:         name,
		model.MetaFileType:         strings.TrimPrefix(strings.ToLower(ext), "."),
		model.MetaFileSize:         strconv.FormatInt(info.Size(), 10),
		model.MetaLastModifiedDate: info.ModTime().UTC().Format(time.DateOnly),
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Stage copies files into root/course so they can be loaded, returning the
// staged paths. Existing files with the same name are replaced.
func Stage(root, course string, files []string) ([]string, error) {
	if err := model.ValidateCollectionName(course); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, course)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(model.ErrIO, "failed to create course directory", goerr.V("path", dir), goerr.V("cause", err.Error()))
	}

	staged := make([]string, 0, len(files))
	for _, src := range files {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return staged, err
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return goerr.Wrap(model.ErrIO, "failed to read upload", goerr.V("path", src), goerr.V("cause", err.Error()))
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return goerr.Wrap(model.ErrIO, "failed to stage upload", goerr.V("path", dst), goerr.V("cause", err.Error()))
	}
	return nil
}
