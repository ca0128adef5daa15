package repository

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreCollectionsRoot = "collections"
	firestoreChunksName      = "chunks"
	firestoreDistanceField   = "vector_distance"

	// FindNearest accepts at most this many results
	firestoreMaxNearest = 1000
	// extra candidates fetched so equal scores at the topK cutoff are
	// settled by chunk ID rather than by server order
	firestoreTieCandidates = 16
)

// Firestore stores collection records at collections/{name} and chunks at
// collections/{name}/chunks/{id}. Query needs a vector index on the
// embedding field of the chunks collection group.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

type firestoreInfo struct {
	Name           string    `firestore:"name"`
	Dimension      int64     `firestore:"dimension"`
	EmbeddingModel string    `firestore:"embedding_model"`
	CreatedAt      time.Time `firestore:"created_at"`
}

type firestoreChunk struct {
	ID           string             `firestore:"id"`
	Text         string             `firestore:"text"`
	Metadata     map[string]string  `firestore:"metadata"`
	EmbedExclude []string           `firestore:"embed_exclude"`
	Start        int64              `firestore:"start"`
	End          int64              `firestore:"end"`
	Embedding    firestore.Vector32 `firestore:"embedding"`
}

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(model.ErrConfig, "firestore project ID is required")
	}
	if databaseID == "" {
		databaseID = "(default)"
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

func (x *Firestore) infoRef(name string) *firestore.DocumentRef {
	return x.client.Collection(firestoreCollectionsRoot).Doc(name)
}

func (x *Firestore) chunks(name string) *firestore.CollectionRef {
	return x.infoRef(name).Collection(firestoreChunksName)
}

func (x *Firestore) CreateCollection(ctx context.Context, info *model.CollectionInfo) (*model.CollectionInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	var result *model.CollectionInfo
	ref := x.infoRef(info.Name)
	err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err == nil {
			var stored firestoreInfo
			if err := doc.DataTo(&stored); err != nil {
				return goerr.Wrap(err, "failed to decode collection record", goerr.V("name", info.Name))
			}
			result = stored.toModel()
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to read collection record", goerr.V("name", info.Name))
		}

		record := firestoreInfo{
			Name:           info.Name,
			Dimension:      int64(info.Dimension),
			EmbeddingModel: info.EmbeddingModel,
			CreatedAt:      info.CreatedAt,
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		if err := tx.Create(ref, record); err != nil {
			return goerr.Wrap(err, "failed to create collection record", goerr.V("name", info.Name))
		}
		result = record.toModel()
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to get or create collection", goerr.V("name", info.Name))
	}
	return result, nil
}

func (x *Firestore) GetCollection(ctx context.Context, name string) (*model.CollectionInfo, error) {
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	doc, err := x.infoRef(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "collection not found", goerr.V("name", name))
		}
		return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to get collection", goerr.V("name", name))
	}

	var stored firestoreInfo
	if err := doc.DataTo(&stored); err != nil {
		return nil, goerr.Wrap(err, "failed to decode collection record", goerr.V("name", name))
	}
	return stored.toModel(), nil
}

func (x *Firestore) ListCollections(ctx context.Context) ([]*model.CollectionInfo, error) {
	iter := x.client.Collection(firestoreCollectionsRoot).OrderBy("name", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var infos []*model.CollectionInfo
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to iterate collections")
		}

		var stored firestoreInfo
		if err := doc.DataTo(&stored); err != nil {
			return nil, goerr.Wrap(err, "failed to decode collection record", goerr.V("doc_id", doc.Ref.ID))
		}
		infos = append(infos, stored.toModel())
	}
	return infos, nil
}

func (x *Firestore) PutChunk(ctx context.Context, name string, chunk *model.Chunk, vector []float32) error {
	if _, err := x.GetCollection(ctx, name); err != nil {
		return err
	}

	record := firestoreChunk{
		ID:           string(chunk.ID),
		Text:         chunk.Text,
		Metadata:     chunk.Metadata,
		EmbedExclude: chunk.EmbedExclude,
		Start:        int64(chunk.Start),
		End:          int64(chunk.End),
		Embedding:    firestore.Vector32(vector),
	}

	// Set replaces the whole document in a single write
	if _, err := x.chunks(name).Doc(string(chunk.ID)).Set(ctx, record); err != nil {
		return goerr.Wrap(errors.Join(model.ErrIO, err), "failed to store chunk", goerr.V("name", name), goerr.V("id", chunk.ID))
	}
	return nil
}

func (x *Firestore) Query(ctx context.Context, name string, vector []float32, filter model.Filter, topK int) ([]*model.ScoredChunk, error) {
	if _, err := x.GetCollection(ctx, name); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []*model.ScoredChunk{}, nil
	}

	q := x.chunks(name).Query
	for _, key := range model.Metadata(filter).Keys() {
		q = q.WherePath(firestore.FieldPath{"metadata", key}, "==", filter[key])
	}

	vq := q.FindNearest("embedding", firestore.Vector32(vector), nearestLimit(topK), firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: firestoreDistanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var hits []*model.ScoredChunk
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIO, err), "failed to run vector query", goerr.V("name", name))
		}

		var stored firestoreChunk
		if err := doc.DataTo(&stored); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("doc_id", doc.Ref.ID))
		}
		chunk := stored.toModel()
		if !filter.Match(chunk.Metadata) {
			continue
		}

		// Cosine distance is 1 - similarity
		distance, _ := doc.Data()[firestoreDistanceField].(float64)
		hits = append(hits, &model.ScoredChunk{Chunk: chunk, Score: 1 - distance})
	}

	return rank(hits, topK), nil
}

// nearestLimit widens topK by a fixed candidate margin. Ties extending past
// the margin are still cut in server order.
func nearestLimit(topK int) int {
	return min(topK+firestoreTieCandidates, firestoreMaxNearest)
}

func (x *Firestore) Close() error {
	if err := x.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}

func (r *firestoreInfo) toModel() *model.CollectionInfo {
	return &model.CollectionInfo{
		Name:           r.Name,
		Dimension:      int(r.Dimension),
		EmbeddingModel: r.EmbeddingModel,
		CreatedAt:      r.CreatedAt,
	}
}

func (r *firestoreChunk) toModel() *model.Chunk {
	return &model.Chunk{
		ID:           model.ChunkID(r.ID),
		Text:         r.Text,
		Metadata:     model.Metadata(r.Metadata),
		EmbedExclude: r.EmbedExclude,
		Start:        int(r.Start),
		End:          int(r.End),
	}
}
