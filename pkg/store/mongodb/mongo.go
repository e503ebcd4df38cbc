// Package mongodb implements store.Store on MongoDB, one collection per store collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultDatabase = "atelier"

// Store wraps a MongoDB client and database.
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	hub      *store.Hub
}

// Open connects to uri with connection pooling. Batches need a replica set
// because they run inside a transaction.
func Open(ctx context.Context, uri, database string, hub *store.Hub) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if database == "" {
		database = defaultDatabase
	}
	if hub == nil {
		hub = store.NewHub("")
	}
	logrus.WithField("database", database).Info("connected to MongoDB")

	return &Store{client: client, database: client.Database(database), hub: hub}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Initialize creates the indexes the engine queries on.
func (s *Store) Initialize(ctx context.Context) error {
	indexes := map[string][]string{
		model.CollectionTasks:        {model.FieldCollaboratorRef, model.FieldClientRef},
		model.CollectionAppointments: {model.FieldCollaboratorRef, model.FieldTaskID, model.FieldDate},
		model.CollectionProjects:     {model.FieldClientRef},
	}
	for coll, fields := range indexes {
		models := make([]mongo.IndexModel, 0, len(fields))
		for _, f := range fields {
			models = append(models, mongo.IndexModel{Keys: bson.D{{Key: f, Value: 1}}})
		}
		if _, err := s.database.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, collection string, rec store.Record) (string, error) {
	change, err := s.create(ctx, collection, rec)
	if err != nil {
		return "", err
	}
	s.hub.Publish(change)
	return change.ID, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	var doc bson.M
	err := s.database.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return fromDocument(doc), nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch store.Patch) error {
	change, err := s.update(ctx, collection, id, patch, nil)
	if err != nil {
		return err
	}
	s.hub.Publish(change)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	change, err := s.remove(ctx, collection, id)
	if err != nil {
		return err
	}
	s.hub.Publish(change)
	return nil
}

func (s *Store) BatchUpdate(ctx context.Context, writes []store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	var changes []store.Change
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		// The callback may be retried; start from scratch each time.
		changes = changes[:0]
		for _, w := range writes {
			var (
				change store.Change
				err    error
			)
			switch w.Kind {
			case store.WriteCreate:
				change, err = s.create(sessCtx, w.Collection, w.Record)
			case store.WriteUpdate:
				change, err = s.update(sessCtx, w.Collection, w.ID, w.Patch, w.Match)
			case store.WriteDelete:
				change, err = s.remove(sessCtx, w.Collection, w.ID)
			default:
				err = fmt.Errorf("unknown write kind %d", w.Kind)
			}
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	for _, c := range changes {
		s.hub.Publish(c)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, preds ...store.Predicate) ([]store.Record, error) {
	cursor, err := s.database.Collection(collection).Find(ctx, buildFilter(preds))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
	}
	out := make([]store.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(d))
	}
	return out, nil
}

func (s *Store) Subscribe(collection string, preds []store.Predicate, fn func(store.Change)) func() {
	return s.hub.Subscribe(collection, preds, fn)
}

func (s *Store) create(ctx context.Context, collection string, rec store.Record) (store.Change, error) {
	rec = store.NormalizeRecord(rec)
	id := store.AssignID(rec)
	if _, err := s.database.Collection(collection).InsertOne(ctx, toDocument(rec)); err != nil {
		return store.Change{}, fmt.Errorf("failed to insert %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeAdded, Collection: collection, ID: id, Record: rec}, nil
}

func (s *Store) update(ctx context.Context, collection, id string, patch store.Patch, match []store.Predicate) (store.Change, error) {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = store.Normalize(v)
	}
	upd := bson.M{}
	if len(set) > 0 {
		upd["$set"] = set
	}
	if len(unset) > 0 {
		upd["$unset"] = unset
	}
	if len(upd) == 0 {
		rec, err := s.Get(ctx, collection, id)
		if err != nil {
			return store.Change{}, err
		}
		if !store.Matches(rec, match) {
			return store.Change{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrConflict)
		}
		return store.Change{Kind: store.ChangeModified, Collection: collection, ID: id, Record: rec}, nil
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err := s.database.Collection(collection).FindOneAndUpdate(ctx, idFilter(id, match), upd, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if len(match) > 0 {
			n, cerr := s.database.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
			if cerr == nil && n > 0 {
				return store.Change{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrConflict)
			}
		}
		return store.Change{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeModified, Collection: collection, ID: id, Record: fromDocument(doc)}, nil
}

func (s *Store) remove(ctx context.Context, collection, id string) (store.Change, error) {
	var doc bson.M
	err := s.database.Collection(collection).FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Change{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return store.Change{Kind: store.ChangeRemoved, Collection: collection, ID: id, Record: fromDocument(doc)}, nil
}

// buildFilter translates predicates to a MongoDB filter. "id" maps to "_id".
func buildFilter(preds []store.Predicate) bson.M {
	if len(preds) == 0 {
		return bson.M{}
	}
	clauses := make([]bson.M, 0, len(preds))
	for _, p := range preds {
		field := p.Field
		if field == "id" {
			field = "_id"
		}
		switch p.Op {
		case store.OpEq:
			clauses = append(clauses, bson.M{field: p.Value})
		case store.OpNe:
			clauses = append(clauses, bson.M{field: bson.M{"$ne": p.Value}})
		case store.OpExists:
			clauses = append(clauses, bson.M{field: bson.M{"$ne": nil}})
		case store.OpMissing:
			clauses = append(clauses, bson.M{field: nil})
		}
	}
	return bson.M{"$and": clauses}
}

// idFilter selects document id, and only while it matches preds.
func idFilter(id string, preds []store.Predicate) bson.M {
	if len(preds) == 0 {
		return bson.M{"_id": id}
	}
	clauses, _ := buildFilter(preds)["$and"].([]bson.M)
	return bson.M{"$and": append([]bson.M{{"_id": id}}, clauses...)}
}

func toDocument(rec store.Record) bson.M {
	doc := bson.M{}
	for k, v := range rec {
		if k == "id" {
			doc["_id"] = v
			continue
		}
		doc[k] = v
	}
	return doc
}

func fromDocument(doc bson.M) store.Record {
	raw := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			raw["id"] = v
			continue
		}
		raw[k] = v
	}
	return store.NormalizeRecord(raw)
}
