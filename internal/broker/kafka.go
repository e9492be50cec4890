// Package broker wraps the Kafka transport behind small interfaces so
// the consume and outcome layers stay testable without a live cluster.
package broker

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// Message is one raw broker record.
type Message struct {
	Key   []byte
	Value []byte
}

// CommitFunc acknowledges the message it was returned with. Call it
// only after processing reached a safe point.
type CommitFunc func(ctx context.Context) error

// Consumer fetches reminder messages with manual offset commits.
type Consumer struct {
	reader *kgo.Reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &Consumer{reader: r}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// Fetch blocks for the next message. The returned commit func
// acknowledges it; skipping the commit leaves the message for
// redelivery, which is the crash-recovery path.
func (c *Consumer) Fetch(ctx context.Context) (Message, CommitFunc, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, nil, err
	}
	commit := func(cctx context.Context) error {
		cc, cancel := context.WithTimeout(cctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cc, m)
	}
	return Message{Key: m.Key, Value: m.Value}, commit, nil
}

// Producer publishes JSON-encoded events keyed for per-event ordering.
type Producer struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &Producer{writer: w, timeout: 3 * time.Second}
}

func (p *Producer) Close() error { return p.writer.Close() }

func (p *Producer) Publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}
