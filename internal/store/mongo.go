package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"tenantstore/internal/logger"
)

// MongoStore maps each namespace onto a real MongoDB database and collection.
type MongoStore struct {
	client *mongo.Client
	uri    string
}

// NewMongoEngine connects to uri and verifies the connection.
func NewMongoEngine(ctx context.Context, uri string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo URI is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{client: client, uri: uri}
	logger.For(logger.ComponentStore).Infof("Database: %s", s.Description())
	return s, nil
}

func (s *MongoStore) coll(ns Namespace) *mongo.Collection {
	return s.client.Database(ns.Database).Collection(ns.Collection)
}

func (s *MongoStore) Description() string {
	cs, err := connstringHost(s.uri)
	if err != nil {
		return "MongoDB"
	}
	return fmt.Sprintf("MongoDB (%s)", cs)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Insert(ctx context.Context, ns Namespace, doc Document) error {
	_, err := s.coll(ns).InsertOne(ctx, bson.M(doc))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, ns Namespace, id string) (Document, error) {
	var raw bson.M
	err := s.coll(ns).FindOne(ctx, bson.M{IDField: id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromBSON(raw)
}

func (s *MongoStore) Replace(ctx context.Context, ns Namespace, doc Document) error {
	_, err := s.coll(ns).ReplaceOne(ctx, bson.M{IDField: doc.ID()}, bson.M(doc),
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Delete(ctx context.Context, ns Namespace, id string) error {
	res, err := s.coll(ns).DeleteOne(ctx, bson.M{IDField: id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Exists(ctx context.Context, ns Namespace, id string) (bool, error) {
	n, err := s.coll(ns).CountDocuments(ctx, bson.M{IDField: id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) Find(ctx context.Context, ns Namespace, q Query) ([]Document, error) {
	opts := options.Find()
	if len(q.Sort) > 0 {
		opts.SetSort(q.sortBSON())
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.coll(ns).Find(ctx, q.Filter.BSON(), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		doc, err := fromBSON(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, cur.Err()
}

func (s *MongoStore) HasDatabase(ctx context.Context, database string) (bool, error) {
	names, err := s.client.ListDatabaseNames(ctx, bson.M{"name": database})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (s *MongoStore) HasCollection(ctx context.Context, ns Namespace) (bool, error) {
	names, err := s.client.Database(ns.Database).ListCollectionNames(ctx, bson.M{"name": ns.Collection})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (s *MongoStore) IndexNames(ctx context.Context, ns Namespace) ([]string, error) {
	cur, err := s.coll(ns).Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var names []string
	for cur.Next(ctx) {
		var spec struct {
			Name string `bson:"name"`
		}
		if err := cur.Decode(&spec); err != nil {
			return nil, err
		}
		names = append(names, spec.Name)
	}
	return names, cur.Err()
}

func (s *MongoStore) CreateIndex(ctx context.Context, ns Namespace, idx Index) error {
	if len(idx.Keys) == 0 {
		return fmt.Errorf("index requires at least one key")
	}
	keys := bson.D{}
	for _, k := range idx.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}
	opts := options.Index().SetName(idx.ResolvedName())
	if idx.Unique {
		opts.SetUnique(true)
	}
	if idx.Sparse {
		opts.SetSparse(true)
	}
	_, err := s.coll(ns).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts})
	return err
}

// connstringHost returns the hosts of uri without credentials.
func connstringHost(uri string) (string, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return "", err
	}
	return strings.Join(cs.Hosts, ","), nil
}

func fromBSON(raw bson.M) (Document, error) {
	m, err := normalizeMap(raw)
	if err != nil {
		return nil, err
	}
	return Document(m), nil
}
