// Package source feeds decoded chain events to the indexer in order, either
// from a Kafka topic or from a JSON-lines backfill file.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/options-indexer/internal/event"
)

// Applier consumes one event. A non-nil error means the event was not
// applied and must be redelivered.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) error
}

// KafkaConfig selects the topic and consumer group.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	SessionTimeout time.Duration
}

// messageReader is the subset of *kafka.Reader used by KafkaSource.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes an event topic. Offsets are committed only after
// the event has been applied, so a crash replays at most the event in
// flight. Chain order relies on the topic being keyed by market or having a
// single partition.
type KafkaSource struct {
	reader messageReader
	log    *slog.Logger
}

// NewKafkaSource creates a consumer-group reader for cfg.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: cfg.SessionTimeout,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})
	logger.Info("kafka source created", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	return &KafkaSource{reader: reader, log: logger}
}

// Run applies messages until ctx is cancelled or an event fails to apply.
// Undecodable messages are logged and committed; they can never succeed.
func (k *KafkaSource) Run(ctx context.Context, app Applier) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		ev, err := event.Decode(msg.Value)
		if err != nil {
			k.log.Error("dropping undecodable event",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
		} else if err := app.Apply(ctx, ev); err != nil {
			return fmt.Errorf("offset %d: %w", msg.Offset, err)
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Close closes the underlying reader.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

// maxLineSize bounds a single JSON-lines record.
const maxLineSize = 1 << 20

// ErrReplay is returned when a backfill stops on a bad record.
var ErrReplay = errors.New("source: replay failed")

// Replay applies one event per line of r and returns how many were applied.
// Blank lines are skipped; an undecodable line stops the replay.
func Replay(ctx context.Context, r io.Reader, app Applier) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var n, line int
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		ev, err := event.Decode(data)
		if err != nil {
			return n, fmt.Errorf("%w: line %d: %w", ErrReplay, line, err)
		}
		if err := app.Apply(ctx, ev); err != nil {
			return n, fmt.Errorf("%w: line %d: %w", ErrReplay, line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("%w: %w", ErrReplay, err)
	}
	return n, nil
}
