// Package mongodoc implements backend.DocumentStore on MongoDB.
package mongodoc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/agentsync/internal/backend"
)

// Store is a document-embedding backend.
type Store struct {
	name   string
	client *mongo.Client
	coll   *mongo.Collection
}

var _ backend.DocumentStore = (*Store)(nil)

// Open connects lazily to url; the first operation or Health call dials.
func Open(name, url, database, collection string) (*Store, error) {
	if database == "" {
		database = "agentsync"
	}
	if collection == "" {
		collection = "records"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongo %s: %w", name, err)
	}
	return &Store{
		name:   name,
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Health(ctx context.Context) backend.Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return backend.Down
	}
	return backend.Up
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// wrap treats every driver failure other than a missing document as
// unavailability: the driver reports selection, network and pool problems
// through many error types, and all of them are worth retrying.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return backend.ErrNotFound
	}
	return backend.Unavailable(s.name, fmt.Errorf("%s: %w", op, err))
}

// PutDocument writes doc unless a document with an equal or newer version exists.
func (s *Store) PutDocument(ctx context.Context, doc backend.Document) error {
	filter := bson.M{"_id": doc.ID, "version": bson.M{"$lt": doc.Version}}
	update := bson.M{"$set": bson.M{
		"namespace": doc.Namespace,
		"payload":   doc.Payload,
		"embedding": doc.Embedding,
		"version":   doc.Version,
		"tx_id":     doc.TxID,
		"tombstone": doc.Tombstone,
	}}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The filter missed because a newer version is stored; the upsert
		// then collided on _id. Nothing to do.
		return nil
	}
	return s.wrap("put document", err)
}

func (s *Store) GetDocument(ctx context.Context, id string) (backend.Document, error) {
	var doc backend.Document
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return backend.Document{}, s.wrap("get document", err)
	}
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return s.wrap("delete document", err)
}
