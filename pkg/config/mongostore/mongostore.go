package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remotectl/pkg/config/configstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

var _ configstore.ConfigStore = (*MongoStore)(nil)

// MongoStore keeps the configuration as one document. Documents go through
// YAML on the way in and out so both stores honour the same field names.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string // document _id, e.g. "remotectl"
	Timeout    time.Duration
}

func New(uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
		Timeout:    10 * time.Second,
	}, nil
}

func (m *MongoStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("load: output parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.Timeout)
	defer cancel()

	var doc bson.M
	err := m.Collection.FindOne(ctx, bson.M{"_id": m.ID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document with ID %q not found", m.ID)
	}
	if err != nil {
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	return FromDocument(doc, out)
}

func (m *MongoStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("save: input parameter must not be nil")
	}
	doc, err := ToDocument(in)
	if err != nil {
		return err
	}
	doc["_id"] = m.ID

	ctx, cancel := context.WithTimeout(context.Background(), m.Timeout)
	defer cancel()
	_, err = m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Watch follows a change stream on the configuration document. Change
// streams need a replica set; on a standalone server Watch returns an error.
func (m *MongoStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": m.ID}}}}
	stream, err := m.Collection.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("watch %s: %w", m.ID, err)
	}
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			onChange()
		}
	}()
	return nil
}

func (m *MongoStore) Close() error {
	return m.Client.Disconnect(context.Background())
}

// ToDocument converts v to a document keyed by its YAML field names.
func ToDocument(v any) (bson.M, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	doc := bson.M{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return doc, nil
}

// FromDocument decodes a document produced by ToDocument into out.
func FromDocument(doc bson.M, out any) error {
	delete(doc, "_id")
	raw, err := yaml.Marshal(normalize(doc))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// normalize turns driver specific containers into plain maps and slices.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	}
	return v
}
