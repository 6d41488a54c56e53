// Package events publishes batch lifecycle events to Kafka so downstream
// indexers can follow the pipeline without polling the API. The publisher is
// optional: with no brokers configured the relayer runs without it.
package events

import (
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/pkg/logging"
)

// BatchEvent is the published payload for a terminal batch transition.
type BatchEvent struct {
	BatchID        string `json:"batch_id"`
	Status         string `json:"status"`
	TxCount        int    `json:"tx_count"`
	ProofHash      string `json:"proof_hash,omitempty"`
	BatchIDOnchain string `json:"batch_id_onchain,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Publisher emits batch events to the finalized and failed topics.
type Publisher struct {
	producer       *kafka.Producer
	finalizedTopic string
	failedTopic    string
	logger         *logging.Logger
}

// NewPublisher creates a Kafka-backed publisher.
func NewPublisher(brokers, finalizedTopic, failedTopic string, logger *logging.Logger) (*Publisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return nil, err
	}

	return &Publisher{
		producer:       producer,
		finalizedTopic: finalizedTopic,
		failedTopic:    failedTopic,
		logger:         logger.WithComponent("events"),
	}, nil
}

// PublishTerminal emits the event for a batch that reached a terminal state.
// Failures are logged and swallowed: event delivery is best-effort and never
// affects the batch outcome.
func (p *Publisher) PublishTerminal(rec *store.BatchRecord) {
	if p == nil {
		return
	}

	topic := p.finalizedTopic
	if rec.Status == store.StatusFailed {
		topic = p.failedTopic
	}

	payload, err := json.Marshal(BatchEvent{
		BatchID:        rec.ID,
		Status:         string(rec.Status),
		TxCount:        rec.TxCount,
		ProofHash:      rec.ProofHash,
		BatchIDOnchain: rec.BatchIDOnchain,
		TxHash:         rec.TxHash,
		Error:          rec.Error,
		Timestamp:      time.Now().Unix(),
	})
	if err != nil {
		p.logger.Error("serializing batch event", "batch_id", rec.ID, "error", err)
		return
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(rec.ID),
		Value: payload,
	}, nil)
	if err != nil {
		p.logger.Error("publishing batch event", "batch_id", rec.ID, "topic", topic, "error", err)
	}
}

// Close flushes outstanding messages and releases the producer.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.producer.Flush(int((15 * time.Second).Milliseconds()))
	p.producer.Close()
}
