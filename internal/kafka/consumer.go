package kafka

import (
	"context"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-collector/internal/config"
	"github.com/route-beacon/bgp-collector/internal/metrics"
)

// Consumer reads raw collector records from Kafka. Offsets are committed
// only after the pipeline reports a batch flushed to the database, so a
// crash replays rather than drops messages.
type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewConsumer(cfg *config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("consumer: partitions revoked")
		}),
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	return c, nil
}

// Run fetches records and sends them to the records channel in batches.
// It reads from flushed to commit offsets after successful DB writes.
func (c *Consumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-flushed:
				if !ok {
					return
				}
				for _, r := range recs {
					c.client.MarkCommitRecords(r)
				}
				if err := c.client.CommitMarkedOffsets(ctx); err != nil {
					c.logger.Error("consumer: commit offsets failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			metrics.KafkaRecordsTotal.WithLabelValues(r.Topic).Inc()
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
