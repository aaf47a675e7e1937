// Package eventbus publishes and consumes the at-least-once, per-key-ordered events
// that drive ingestion, embedding, and indexing — chunks.created, chunks.indexed,
// chunk.failed, document.completed — over Kafka, partitioned by document ID so all
// events for one document stay in order on one partition.
package eventbus

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Topic names used across the pipeline.
const (
	TopicChunksCreated     = "chunks.created"
	TopicChunksIndexed     = "chunks.indexed"
	TopicChunkFailed       = "chunk.failed"
	TopicDocumentCompleted = "document.completed"
)

// Event is a single bus message: Key determines partition (and therefore ordering),
// Value is the JSON-encoded payload.
type Event struct {
	Key   string
	Value []byte
}

// Producer publishes events to a topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer writing to topic across brokers.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{}, // key-based partitioning for per-document ordering
		},
	}
}

// Publish writes ev to the topic, blocking until the broker acknowledges it.
func (p *Producer) Publish(ctx context.Context, ev Event) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: ev.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Handler processes one consumed event. Returning an error leaves the message
// uncommitted so it will be redelivered.
type Handler func(ctx context.Context, ev Event) error

// Consumer reads events from a topic within a consumer group, committing offsets
// only after the handler returns successfully (at-least-once delivery).
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a Consumer for topic in the given consumer group.
func NewConsumer(brokers []string, topic, group string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
	}
}

// Run processes messages with handler until ctx is cancelled or a fatal read error
// occurs. Handler errors are logged by the caller via the returned error from Run
// only on unrecoverable conditions; transient handler failures simply skip the
// commit and rely on redelivery.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		ev := Event{Key: string(msg.Key), Value: msg.Value}
		if err := handler(ctx, ev); err != nil {
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
