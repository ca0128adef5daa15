package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
)

// Storage is the interface for chat transcript archives
type Storage interface {
	// Put returns a writer; the object becomes visible when the writer is closed
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get opens an object. Missing objects match model.ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// cloudStorage implements Storage using Cloud Storage
type cloudStorage struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewCloudStorage creates a Cloud Storage backed archive. Keys are placed under prefix.
func NewCloudStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	if bucketName == "" {
		return nil, goerr.Wrap(model.ErrConfig, "bucket name is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &cloudStorage{
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		client:     client,
	}, nil
}

func (s *cloudStorage) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *cloudStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.objectName(key))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	return writer, nil
}

func (s *cloudStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.objectName(key))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("bucket", s.bucketName), goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}

	return reader, nil
}

// fileStorage implements Storage on the local filesystem
type fileStorage struct {
	dir string
}

// NewFileStorage stores objects as files under dir
func NewFileStorage(dir string) Storage {
	return &fileStorage{dir: dir}
}

func (s *fileStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", goerr.Wrap(model.ErrInvalidArgument, "invalid storage key", goerr.V("key", key))
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("path", path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temporary file", goerr.V("path", path))
	}
	return &atomicFile{File: tmp, dest: path}, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to open object", goerr.V("path", path))
	}
	return f, nil
}

// atomicFile renames the temporary file into place on Close
type atomicFile struct {
	*os.File
	dest   string
	closed bool
}

func (f *atomicFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if err := f.File.Sync(); err != nil {
		f.File.Close()
		os.Remove(f.File.Name())
		return goerr.Wrap(err, "failed to sync file", goerr.V("path", f.dest))
	}
	if err := f.File.Close(); err != nil {
		os.Remove(f.File.Name())
		return goerr.Wrap(err, "failed to close file", goerr.V("path", f.dest))
	}
	if err := os.Rename(f.File.Name(), f.dest); err != nil {
		os.Remove(f.File.Name())
		return goerr.Wrap(err, "failed to move file into place", goerr.V("path", f.dest))
	}
	return nil
}
