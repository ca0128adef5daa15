package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	_ "modernc.org/sqlite"
)

const sqliteFileName = "collection.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collection_info (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	name TEXT NOT NULL,
	dimension INTEGER NOT NULL,
	embedding_model TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	metadata TEXT NOT NULL,
	embed_exclude TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	vector BLOB NOT NULL
);
`

// SQLite stores each collection in its own database file at root/<name>/collection.db
type SQLite struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ Repository = (*SQLite)(nil)

// NewSQLite creates a SQLite repository under root, creating root if needed
func NewSQLite(root string) (*SQLite, error) {
	if root == "" {
		return nil, goerr.Wrap(model.ErrConfig, "storage root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to create storage root", goerr.V("root", root))
	}
	return &SQLite{
		root: root,
		dbs:  make(map[string]*sql.DB),
	}, nil
}

func (x *SQLite) dbPath(name string) string {
	return filepath.Join(x.root, name, sqliteFileName)
}

// open returns the cached handle for name. With create false, a collection
// without a database file is reported as not found.
func (x *SQLite) open(ctx context.Context, name string, create bool) (*sql.DB, error) {
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if db, ok := x.dbs[name]; ok {
		return db, nil
	}

	path := x.dbPath(name)
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to create collection directory", goerr.V("name", name))
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(model.ErrNotFound, "collection not found", goerr.V("name", name))
		}
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to stat collection", goerr.V("name", name))
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to open collection database", goerr.V("path", path))
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to initialize collection schema", goerr.V("path", path))
	}

	x.dbs[name] = db
	return db, nil
}

func (x *SQLite) CreateCollection(ctx context.Context, info *model.CollectionInfo) (*model.CollectionInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	db, err := x.open(ctx, info.Name, true)
	if err != nil {
		return nil, err
	}

	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collection_info (singleton, name, dimension, embedding_model, created_at) VALUES (1, ?, ?, ?, ?)`,
		info.Name, info.Dimension, info.EmbeddingModel, createdAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to create collection", goerr.V("name", info.Name))
	}

	return readInfo(ctx, db, info.Name)
}

func (x *SQLite) GetCollection(ctx context.Context, name string) (*model.CollectionInfo, error) {
	db, err := x.open(ctx, name, false)
	if err != nil {
		return nil, err
	}
	return readInfo(ctx, db, name)
}

func readInfo(ctx context.Context, db *sql.DB, name string) (*model.CollectionInfo, error) {
	var (
		info      model.CollectionInfo
		createdAt string
	)
	row := db.QueryRowContext(ctx, `SELECT name, dimension, embedding_model, created_at FROM collection_info WHERE singleton = 1`)
	if err := row.Scan(&info.Name, &info.Dimension, &info.EmbeddingModel, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "collection has no metadata record", goerr.V("name", name))
		}
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to read collection metadata", goerr.V("name", name))
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "invalid collection timestamp", goerr.V("name", name), goerr.V("created_at", createdAt))
	}
	info.CreatedAt = t
	return &info, nil
}

func (x *SQLite) ListCollections(ctx context.Context) ([]*model.CollectionInfo, error) {
	entries, err := os.ReadDir(x.root)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to read storage root", goerr.V("root", x.root))
	}

	var infos []*model.CollectionInfo
	for _, entry := range entries {
		if !entry.IsDir() || model.ValidateCollectionName(entry.Name()) != nil {
			continue
		}
		info, err := x.GetCollection(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (x *SQLite) PutChunk(ctx context.Context, name string, chunk *model.Chunk, vector []float32) error {
	db, err := x.open(ctx, name, false)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal chunk metadata", goerr.V("id", chunk.ID))
	}
	exclude, err := json.Marshal(chunk.EmbedExclude)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal embed exclude", goerr.V("id", chunk.ID))
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO chunks (id, text, metadata, embed_exclude, start_offset, end_offset, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			metadata = excluded.metadata,
			embed_exclude = excluded.embed_exclude,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			vector = excluded.vector`,
		string(chunk.ID), chunk.Text, string(metadata), string(exclude), chunk.Start, chunk.End, encodeVector(vector),
	); err != nil {
		return goerr.Wrap(errors.Join(model.ErrIO, err), "failed to store chunk", goerr.V("name", name), goerr.V("id", chunk.ID))
	}
	return nil
}

func (x *SQLite) Query(ctx context.Context, name string, vector []float32, filter model.Filter, topK int) ([]*model.ScoredChunk, error) {
	db, err := x.open(ctx, name, false)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, text, metadata, embed_exclude, start_offset, end_offset, vector FROM chunks`)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to query chunks", goerr.V("name", name))
	}
	defer rows.Close()

	var hits []*model.ScoredChunk
	for rows.Next() {
		var (
			chunk             model.Chunk
			id                string
			metadata, exclude string
			blob              []byte
		)
		if err := rows.Scan(&id, &chunk.Text, &metadata, &exclude, &chunk.Start, &chunk.End, &blob); err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to scan chunk", goerr.V("name", name))
		}
		if err := json.Unmarshal([]byte(metadata), &chunk.Metadata); err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "corrupted chunk metadata", goerr.V("id", id))
		}
		if !filter.Match(chunk.Metadata) {
			continue
		}
		if err := json.Unmarshal([]byte(exclude), &chunk.EmbedExclude); err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "corrupted chunk embed exclude", goerr.V("id", id))
		}
		chunk.ID = model.ChunkID(id)

		hits = append(hits, &model.ScoredChunk{
			Chunk: &chunk,
			Score: cosine(vector, decodeVector(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to iterate chunks", goerr.V("name", name))
	}

	return rank(hits, topK), nil
}

func (x *SQLite) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var errs []error
	for name, db := range x.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, goerr.Wrap(err, "failed to close collection", goerr.V("name", name)))
		}
		delete(x.dbs, name)
	}
	return errors.Join(errs...)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
