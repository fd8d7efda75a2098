package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

// Encoder serialises the strongly typed entity prior to persistence. When nil, the value is
// written as-is using its firestore struct tags.
type Encoder[T any] func(value T) map[string]any

// Decoder hydrates the strongly typed entity from a snapshot. When nil, DataTo is used.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository provides typed helpers wrapping one Firestore collection.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository constructs a BaseRepository bound to a collection.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		encode:     encode,
		decode:     decode,
	}
}

// Create inserts the value under id and fails with a conflict if the document already exists.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = doc.Create(ctx, r.encodeValue(value))
	return WrapError(r.op("create"), err)
}

// CreateInTx queues an insert of value on the transaction.
func (r *BaseRepository[T]) CreateInTx(ctx context.Context, tx *firestore.Transaction, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	return WrapError(r.op("create"), tx.Create(doc, r.encodeValue(value)))
}

// Update applies partial updates to an existing document.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = doc.Update(ctx, updates)
	return WrapError(r.op("update"), err)
}

// Get fetches the document by ID and decodes it.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return zero, err
	}
	snapshot, err := doc.Get(ctx)
	if err != nil {
		return zero, WrapError(r.op("get"), err)
	}
	value, err := r.decodeSnapshot(snapshot)
	if err != nil {
		return zero, fmt.Errorf("%s: decode %s: %w", r.op("get"), id, err)
	}
	return value, nil
}

// Document pairs a decoded value with its document id.
type Document[T any] struct {
	ID    string
	Value T
}

// Query executes a collection query and returns the decoded documents.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	docs, err := r.QueryDocuments(ctx, build)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Value)
	}
	return out, nil
}

// QueryDocuments executes a collection query and returns the decoded documents with their ids.
func (r *BaseRepository[T]) QueryDocuments(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		value, err := r.decodeSnapshot(snapshot)
		if err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", r.op("query"), snapshot.Ref.ID, err)
		}
		out = append(out, Document[T]{ID: snapshot.Ref.ID, Value: value})
	}
	return out, nil
}

// Count runs a server-side count aggregation over the query.
func (r *BaseRepository[T]) Count(ctx context.Context, build QueryBuilder) (int64, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return 0, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	result, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, WrapError(r.op("count"), err)
	}
	raw, ok := result["total"]
	if !ok {
		return 0, fmt.Errorf("%s: aggregation result missing total", r.op("count"))
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected aggregation type %T", r.op("count"), raw)
	}
	return value.GetIntegerValue(), nil
}

// NewID returns an auto-generated document id for the collection.
func (r *BaseRepository[T]) NewID(ctx context.Context) (string, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return "", err
	}
	return coll.NewDoc().ID, nil
}

// DocumentRef exposes the underlying document reference for transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r.provider == nil {
		return nil, WrapError(r.op("collection"), errors.New("firestore: provider is nil"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) encodeValue(value T) any {
	if r.encode == nil {
		return value
	}
	return r.encode(value)
}

func (r *BaseRepository[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (T, error) {
	if r.decode != nil {
		return r.decode(snap)
	}
	var value T
	err := snap.DataTo(&value)
	return value, err
}

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}
