package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type journal struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type settings struct {
	Backend      string            `yaml:"backend"`
	PollInterval time.Duration     `yaml:"pollInterval"`
	Targets      map[string]string `yaml:"targets"`
	Kafka        *journal          `yaml:"kafka"`
}

func TestDocumentUsesYAMLNames(t *testing.T) {
	in := settings{
		Backend:      "ssm",
		PollInterval: 5 * time.Second,
		Targets:      map[string]string{"summit": "i-0abc"},
		Kafka:        &journal{Brokers: []string{"localhost:9092"}, Topic: "runs"},
	}
	doc, err := ToDocument(in)
	require.NoError(t, err)
	assert.Equal(t, "ssm", doc["backend"])
	assert.Equal(t, "5s", doc["pollInterval"])
	assert.Contains(t, doc, "targets")
}

func TestFromDocumentAcceptsDriverTypes(t *testing.T) {
	// shape of a document as the driver decodes it into bson.M
	doc := bson.M{
		"_id":          "remotectl",
		"backend":      "ssm",
		"pollInterval": "5s",
		"targets":      bson.D{{Key: "summit", Value: "i-0abc"}},
		"kafka": bson.M{
			"brokers": bson.A{"localhost:9092", "localhost:9093"},
			"topic":   "runs",
		},
	}
	var out settings
	require.NoError(t, FromDocument(doc, &out))
	assert.Equal(t, settings{
		Backend:      "ssm",
		PollInterval: 5 * time.Second,
		Targets:      map[string]string{"summit": "i-0abc"},
		Kafka:        &journal{Brokers: []string{"localhost:9092", "localhost:9093"}, Topic: "runs"},
	}, out)
}
