package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/remotectl/pkg/runbook"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongoSink(ctx context.Context, uri, db, coll string) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: ping operation failed: %w", err)
	}
	return &MongoSink{client: client, collection: client.Database(db).Collection(coll), timeout: 30 * time.Second}, nil
}

// Document is the stored form of r, keyed by run id and target.
func Document(r runbook.Report) (bson.M, error) {
	raw, err := bson.Marshal(Truncate(r, MaxOutputLines))
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	doc := bson.M{}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	doc["_id"] = r.Key()
	return doc, nil
}

// Record upserts r. Recording the same run twice replaces the document.
func (s *MongoSink) Record(ctx context.Context, r runbook.Report) error {
	doc, err := Document(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": r.Key()}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.Key(), err)
	}
	return nil
}

func (s *MongoSink) Close() error {
	return s.client.Disconnect(context.Background())
}
