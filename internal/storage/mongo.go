package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore implements Store on MongoDB. Records live in the credentials and
// backends collections keyed by name; cache entries carry an expires_at field
// backed by a TTL index.
type MongoStore struct {
	uri    string
	dbName string

	client   *mongo.Client
	database *mongo.Database
}

// NewMongoStore creates a MongoDB-backed store. Connection happens in
// Initialize.
func NewMongoStore(uri, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "credbroker"
	}
	return &MongoStore{uri: uri, dbName: dbName}
}

func (m *MongoStore) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(m.uri)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping MongoDB: %w", err)
	}

	m.client = client
	m.database = client.Database(m.dbName)

	for _, coll := range []string{"credentials", "backends"} {
		if _, err := m.database.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}); err != nil {
			return fmt.Errorf("create %s index: %w", coll, err)
		}
	}

	// Mongo reaps expired cache entries itself via the TTL index.
	if _, err := m.database.Collection("cache").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("create cache TTL index: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) GetCredential(ctx context.Context, name string) (map[string]interface{}, error) {
	return m.getRecord(ctx, "credentials", name)
}

func (m *MongoStore) SetCredential(ctx context.Context, name string, data map[string]interface{}) error {
	return m.setRecord(ctx, "credentials", name, data)
}

func (m *MongoStore) DeleteCredential(ctx context.Context, name string) error {
	return m.deleteRecord(ctx, "credentials", name)
}

func (m *MongoStore) ListCredentials(ctx context.Context) ([]string, error) {
	return m.listRecords(ctx, "credentials")
}

func (m *MongoStore) GetBackend(ctx context.Context, name string) (map[string]interface{}, error) {
	return m.getRecord(ctx, "backends", name)
}

func (m *MongoStore) SetBackend(ctx context.Context, name string, data map[string]interface{}) error {
	return m.setRecord(ctx, "backends", name, data)
}

func (m *MongoStore) DeleteBackend(ctx context.Context, name string) error {
	return m.deleteRecord(ctx, "backends", name)
}

func (m *MongoStore) ListBackends(ctx context.Context) ([]string, error) {
	return m.listRecords(ctx, "backends")
}

func (m *MongoStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc struct {
		Value     []byte    `bson:"value"`
		ExpiresAt time.Time `bson:"expires_at"`
	}
	err := m.database.Collection("cache").FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	// The TTL monitor only runs periodically; treat stale entries as gone.
	if time.Now().After(doc.ExpiresAt) {
		return nil, &ErrNotFound{Key: key}
	}
	return doc.Value, nil
}

func (m *MongoStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := m.database.Collection("cache").ReplaceOne(ctx,
		bson.M{"_id": key},
		bson.M{"_id": key, "value": value, "expires_at": time.Now().Add(ttl)},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) DeleteCache(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := m.database.Collection("cache").DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (m *MongoStore) getRecord(ctx context.Context, coll, name string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc struct {
		Name string                 `bson:"name"`
		Data map[string]interface{} `bson:"data"`
	}
	err := m.database.Collection(coll).FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Key: name}
		}
		return nil, err
	}
	return doc.Data, nil
}

func (m *MongoStore) setRecord(ctx context.Context, coll, name string, data map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := m.database.Collection(coll).ReplaceOne(ctx,
		bson.M{"name": name},
		bson.M{"name": name, "data": data},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) deleteRecord(ctx context.Context, coll, name string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := m.database.Collection(coll).DeleteOne(ctx, bson.M{"name": name})
	return err
}

func (m *MongoStore) listRecords(ctx context.Context, coll string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cursor, err := m.database.Collection(coll).Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"name": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var names []string
	for cursor.Next(ctx) {
		var doc struct {
			Name string `bson:"name"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		names = append(names, doc.Name)
	}
	return names, cursor.Err()
}
