package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. Errors are logged; the
// offset is committed regardless.
type MessageHandler func(ctx context.Context, msg Message) error

// KafkaConsumer reads topics as part of a consumer group. The blacklist
// topic is its one use: entries appended by other services reach the
// running evaluator through it.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string

	mu     sync.Mutex
	closed bool
}

// NewConsumer creates a group consumer that starts from the earliest
// offset for a new group.
func NewConsumer(brokers []string, groupID string, topics ...string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	log.Info().Strs("brokers", brokers).Str("group_id", groupID).Strs("topics", topics).Msg("bus: kafka consumer created")
	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

// Consume polls until ctx is cancelled, handing each record to handler.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("consumer is closed")
	}
	c.mu.Unlock()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("bus: fetch error")
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if err := handler(ctx, recordToMessage(r)); err != nil {
				log.Warn().Err(err).Str("topic", r.Topic).Int64("offset", r.Offset).Msg("bus: handler error")
			}
		})
		c.client.AllowRebalance()
	}
}

// Close shuts the consumer down, committing final offsets.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// DecodeBlacklistEntry parses a blacklist record. The value is either a JSON
// BlacklistEntry or a bare address, with the record key as fallback address.
func DecodeBlacklistEntry(msg Message) (domain.BlacklistEntry, error) {
	var e domain.BlacklistEntry
	raw := strings.TrimSpace(string(msg.Value))
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			return domain.BlacklistEntry{}, fmt.Errorf("decode blacklist entry: %w", err)
		}
	} else {
		e.Address = raw
	}
	if e.Address == "" {
		e.Address = msg.Key
	}
	if err := domain.ValidateAddress(e.Address); err != nil {
		return domain.BlacklistEntry{}, fmt.Errorf("blacklist entry: %w", err)
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = msg.Timestamp
		if e.AddedAt.IsZero() {
			e.AddedAt = time.Now()
		}
	}
	return e, nil
}
