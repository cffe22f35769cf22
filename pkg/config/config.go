// Package config holds the remotectl configuration and the stores it can be
// loaded from.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andrej220/remotectl/pkg/config/configstore"
	"github.com/andrej220/remotectl/pkg/config/filestore"
	"github.com/andrej220/remotectl/pkg/config/mongostore"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/remote/sshbackend"
	"github.com/andrej220/remotectl/pkg/remote/ssmbackend"
	"github.com/go-playground/validator/v10"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

const (
	BackendSSH = "ssh"
	BackendSSM = "ssm"

	DefaultMongoCollection = "config"
	DefaultMongoID         = "remotectl"
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidConfig    = errors.New("invalid config")
)

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // Document ID
}

func NewStore(storeType StoreType, cfg any) (configstore.ConfigStore, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// Open picks the store for a --config location: a mongodb:// or
// mongodb+srv:// URI selects MongoStore, anything else is a file path.
func Open(location string) (configstore.ConfigStore, error) {
	if isMongoURI(location) {
		mc, err := ParseMongoLocation(location)
		if err != nil {
			return nil, err
		}
		return NewStore(MongoStore, mc)
	}
	return NewStore(FileStore, &FileConfig{Path: location})
}

func isMongoURI(s string) bool {
	return strings.HasPrefix(s, "mongodb://") || strings.HasPrefix(s, "mongodb+srv://")
}

// ParseMongoLocation splits mongodb://host/db?collection=c&id=doc into the
// driver URI and the document coordinates. collection and id are removed
// from the URI handed to the driver.
func ParseMongoLocation(location string) (*MongoConfig, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: config location: %v", ErrInvalidConfig, err)
	}
	db := strings.Trim(u.Path, "/")
	if db == "" {
		return nil, fmt.Errorf("%w: config location %s names no database", ErrInvalidConfig, u.Redacted())
	}
	q := u.Query()
	mc := &MongoConfig{
		DBName:   db,
		CollName: q.Get("collection"),
		ID:       q.Get("id"),
	}
	if mc.CollName == "" {
		mc.CollName = DefaultMongoCollection
	}
	if mc.ID == "" {
		mc.ID = DefaultMongoID
	}
	q.Del("collection")
	q.Del("id")
	u.RawQuery = q.Encode()
	u.Path = "/"
	mc.URI = u.String()
	return mc, nil
}

type Defaults struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" validate:"gte=0"`
	MaxWait      time.Duration `yaml:"maxWait" json:"maxWait" validate:"gte=0"`
	MaxParallel  int           `yaml:"maxParallel" json:"maxParallel" validate:"gte=0"`
}

type Breaker struct {
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" json:"consecutiveFailures"`
	OpenTimeout         time.Duration `yaml:"openTimeout" json:"openTimeout" validate:"gte=0"`
}

type MongoJournal struct {
	URI        string `yaml:"uri" json:"uri" validate:"required"`
	Database   string `yaml:"database" json:"database" validate:"required"`
	Collection string `yaml:"collection" json:"collection" validate:"required"`
}

type KafkaJournal struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required"`
	GroupID string   `yaml:"groupID" json:"groupID"`
}

// Journal selects where finished runs are recorded. All sinks are optional.
type Journal struct {
	Dir   string        `yaml:"dir" json:"dir"`
	Mongo *MongoJournal `yaml:"mongo" json:"mongo"`
	Kafka *KafkaJournal `yaml:"kafka" json:"kafka"`
}

type Log struct {
	Debug  bool   `yaml:"debug" json:"debug"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
}

type Config struct {
	Backend  string            `yaml:"backend" json:"backend" validate:"oneof=ssh ssm"`
	SSH      sshbackend.Config `yaml:"ssh" json:"ssh" validate:"-"`
	SSM      ssmbackend.Config `yaml:"ssm" json:"ssm" validate:"-"`
	Defaults Defaults          `yaml:"defaults" json:"defaults"`
	Breaker  Breaker           `yaml:"breaker" json:"breaker"`
	// Targets maps short aliases to host:port or instance ids.
	Targets map[string]string `yaml:"targets" json:"targets" validate:"dive,keys,required,endkeys,required"`
	Journal Journal           `yaml:"journal" json:"journal"`
	Log     Log               `yaml:"log" json:"log"`
}

func Default() Config {
	b := remote.DefaultBreakerSettings()
	ssh := sshbackend.DefaultConfig()
	// like ssh(1), log in as the local user unless told otherwise
	ssh.User = os.Getenv("USER")
	return Config{
		Backend: BackendSSH,
		SSH:     ssh,
		SSM:     ssmbackend.DefaultConfig(),
		Defaults: Defaults{
			Timeout:      10 * time.Minute,
			PollInterval: remote.DefaultPollInterval,
			MaxWait:      remote.DefaultMaxWait,
			MaxParallel:  4,
		},
		Breaker: Breaker{ConsecutiveFailures: b.ConsecutiveFailures, OpenTimeout: b.OpenTimeout},
		Log:     Log{Format: "console"},
	}
}

var validate = validator.New()

// Validate checks the settings of the selected backend only.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Backend == BackendSSH {
		if err := validate.Struct(&c.SSH); err != nil {
			return fmt.Errorf("%w: ssh: %v", ErrInvalidConfig, err)
		}
	}
	if c.Backend == BackendSSM {
		if err := validate.Struct(&c.SSM); err != nil {
			return fmt.Errorf("%w: ssm: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Load reads the store over the defaults, applies overrides in order and
// validates the result. A nil store loads the defaults alone.
func Load(store configstore.ConfigStore, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if store != nil {
		if err := store.Load(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve returns the address registered for alias, or alias itself.
func (c *Config) Resolve(alias string) string {
	if t, ok := c.Targets[alias]; ok {
		return t
	}
	return alias
}

func (c *Config) Policy() remote.Policy {
	return remote.Policy{Interval: c.Defaults.PollInterval, MaxWait: c.Defaults.MaxWait}
}

func (c *Config) BreakerSettings() remote.BreakerSettings {
	return remote.BreakerSettings{
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		OpenTimeout:         c.Breaker.OpenTimeout,
	}
}
