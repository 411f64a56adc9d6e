// Package transport provides north.Sender implementations alternative
// to the OMF/PI historian path: a Kafka sink for forwarding Readings
// as JSON records, adapted from the teacher's Redpanda event-trigger
// sink (pkg/platform/events.TriggerManager's SinkRedpanda case), which
// used the same franz-go producer pattern to fan change events out to
// a broker. Here the "event" is a forwarded Reading rather than a row
// mutation, and the producer is owned by one north stream instead of
// being shared across arbitrary trigger configs.
package transport

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// KafkaConfig configures the broker connection and target topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSender implements north.Sender by producing each Reading in a
// Set as one record, keyed by asset so a downstream consumer can
// partition by asset the same way OMF groups adjacent readings by
// asset-code.
type KafkaSender struct {
	client *kgo.Client
	topic  string
	log    *zap.Logger
}

// NewKafkaSender dials brokers and returns a sender bound to topic.
func NewKafkaSender(cfg KafkaConfig, log *zap.Logger) (*KafkaSender, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("transport: kafka client: %w", err)
	}
	return &KafkaSender{client: client, topic: cfg.Topic, log: log}, nil
}

// Send produces one record per Reading in set. On any produce error it
// returns immediately so the north loader leaves the cursor in place
// and retries the whole batch, matching the "unsent batch, cursor
// unchanged" semantics of §4.7/§7.
func (s *KafkaSender) Send(ctx context.Context, set *reading.Set) error {
	if set == nil || set.Len() == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, set.Len())
	for _, r := range set.Readings {
		payload, _, err := r.ToJSON(false)
		if err != nil {
			return fmt.Errorf("transport: encode %s: %w", r.Asset, err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(r.Asset),
			Value: payload,
		})
	}

	results := s.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		s.log.Error("transport: kafka produce failed", zap.String("topic", s.topic), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the underlying producer.
func (s *KafkaSender) Close() { s.client.Close() }
