package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const mongoConnectTimeout = 10 * time.Second

// MongoStore is the production Gateway backed by a MongoDB database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri, pings the deployment and returns a store
// bound to database name.
func NewMongoStore(ctx context.Context, uri, name string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(name)}, nil
}

// NewMongoStoreFromDatabase wraps an already connected database handle.
func NewMongoStoreFromDatabase(db *mongo.Database) *MongoStore {
	return &MongoStore{client: db.Client(), db: db}
}

// EnsureIndexes creates a unique index on "id" for each collection.
func (s *MongoStore) EnsureIndexes(ctx context.Context, collections ...string) error {
	for _, c := range collections {
		_, err := s.db.Collection(c).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("create id index on %s: %w", c, err)
		}
	}
	return nil
}

// EnsureUnique creates a compound unique index over fields of collection.
func (s *MongoStore) EnsureUnique(ctx context.Context, collection string, fields ...string) error {
	keys := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
	}
	_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create unique index on %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) Insert(ctx context.Context, collection string, doc any) error {
	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter Filter, dst any) error {
	err := s.db.Collection(collection).FindOne(ctx, filterDoc(filter)).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions, dst any) error {
	fo := options.Find()
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	cursor, err := s.db.Collection(collection).Find(ctx, filterDoc(filter), fo)
	if err != nil {
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, dst); err != nil {
		return fmt.Errorf("decode %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, collection string, filter Filter, u Update) (int64, error) {
	update := bson.M{}
	if len(u.Set) > 0 {
		update["$set"] = bson.M(u.Set)
	}
	if len(u.Inc) > 0 {
		update["$inc"] = bson.M(u.Inc)
	}
	if len(update) == 0 {
		return s.Count(ctx, collection, filter)
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, filterDoc(filter), update)
	if err != nil {
		return 0, fmt.Errorf("update in %s: %w", collection, err)
	}
	return res.MatchedCount, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete in %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", collection, err)
	}
	return n, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func filterDoc(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}
