// Package redpanda provides Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the calculator services
const (
	// TopicCalculationRequests carries asynchronous calculation requests
	TopicCalculationRequests = "calculation.requests"
	// TopicCalculationEvents carries completion events relayed from the outbox
	TopicCalculationEvents = "calculation.events"
	// TopicDeadLetter receives requests and events that cannot be processed
	TopicDeadLetter = "calculation.dead-letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// TopicConfigs returns the topics the calculator needs at the given
// replication factor. Values below one fall back to a single replica.
func TopicConfigs(replication int16) []TopicConfig {
	if replication < 1 {
		replication = 1
	}
	ptr := func(s string) *string { return &s }

	return []TopicConfig{
		{
			Name:              TopicCalculationRequests,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("86400000"), // 1 day
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicCalculationEvents,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("1209600000"), // 14 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
	}
}

// Admin manages calculator topics and reports consumer lag
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// EnsureTopics creates the configured topics the cluster does not have yet
// and returns the names it created. A topic created concurrently by another
// process counts as present.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	names := make([]string, len(configs))
	for i, cfg := range configs {
		names[i] = cfg.Name
	}

	details, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	var created []string
	for _, cfg := range missingTopics(details, configs) {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic created concurrently", zap.String("topic", r.Topic))
			case r.Err != nil:
				return created, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				created = append(created, r.Topic)
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", cfg.Partitions))
			}
		}
	}
	return created, nil
}

// missingTopics returns the configs whose topic is absent from details
func missingTopics(details kadm.TopicDetails, configs []TopicConfig) []TopicConfig {
	var missing []TopicConfig
	for _, cfg := range configs {
		d, ok := details[cfg.Name]
		if !ok || d.Err != nil {
			missing = append(missing, cfg)
		}
	}
	return missing
}

// TotalLag sums the uncommitted lag of a consumer group over all topics
func (a *Admin) TotalLag(ctx context.Context, groupID string) (int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("describe lag of %s: %w", groupID, err)
	}

	var total int64
	described.Each(func(l kadm.DescribedGroupLag) {
		for _, partitions := range l.Lag {
			for _, p := range partitions {
				if p.Lag > 0 {
					total += p.Lag
				}
			}
		}
	})
	return total, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
