package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/runbook"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaSink publishes reports as JSON, keyed by run id so that all targets
// of one run land on the same partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
	now    func() time.Time
}

func NewKafkaSink(brokers []string, topic string, logger lg.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		lg:    logger,
		now:   time.Now,
	}
}

func (s *KafkaSink) Record(ctx context.Context, r runbook.Report) error {
	message, err := json.Marshal(Truncate(r, MaxOutputLines))
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.RunID),
		Value: message,
		Time:  s.now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			s.lg.Error("Kafka topic does not exist",
				lg.String("topic", s.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("publish report %s: %w", r.Key(), err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// ErrBadMessage marks a message on the topic that is not a report. It has
// been committed and the next call moves on.
var ErrBadMessage = errors.New("undecodable journal message")

// Tail consumes published reports.
type Tail struct {
	reader messageReader
}

func NewTail(brokers []string, topic, groupID string) *Tail {
	return &Tail{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	})}
}

func (t *Tail) Next(ctx context.Context) (runbook.Report, error) {
	var zero runbook.Report

	msg, err := t.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var rep runbook.Report
	decodeErr := json.Unmarshal(msg.Value, &rep)

	if err := t.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w at offset %d: %v", ErrBadMessage, msg.Offset, decodeErr)
	}
	return rep, nil
}

// Follow calls fn for every report until ctx ends or fn fails. Bad messages
// are skipped.
func (t *Tail) Follow(ctx context.Context, fn func(runbook.Report) error) error {
	for {
		rep, err := t.Next(ctx)
		if errors.Is(err, ErrBadMessage) {
			lg.FromContext(ctx).Warn("skipping journal message", lg.Err(err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(rep); err != nil {
			return err
		}
	}
}

func (t *Tail) Close() error { return t.reader.Close() }
