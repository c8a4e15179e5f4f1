// Package events publishes terminal vote outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"votebridge/models"

	"github.com/IBM/sarama"
)

// VoteEvent is emitted once per terminal attempt and once per compensation.
type VoteEvent struct {
	AttemptID  string           `json:"attempt_id"`
	VoterID    string           `json:"voter_id"`
	ElectionID int64            `json:"election_id"`
	ChoiceID   int64            `json:"choice_id,omitempty"`
	Outcome    models.Outcome   `json:"outcome"`
	TxHash     string           `json:"tx_hash,omitempty"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
	VoteCount  string           `json:"vote_count,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (e VoteEvent) key() string {
	return e.VoterID + "/" + strconv.FormatInt(e.ElectionID, 10)
}

type Publisher interface {
	Publish(ctx context.Context, event VoteEvent) error
	Close() error
}

// NewKafkaProducer builds a synchronous producer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = clientID

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher writes events keyed by voter and election, so one voter's
// events for an election stay ordered on a single partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event VoteEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal vote event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.key()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish vote event: %w", err)
	}

	p.logger.Debug("vote event published",
		"attempt_id", event.AttemptID,
		"outcome", event.Outcome,
		"partition", partition,
		"offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event VoteEvent) error { return nil }
func (NopPublisher) Close() error                                       { return nil }
