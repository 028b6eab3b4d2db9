// Package redpanda provides the Kafka producer, consumer and topic
// administration used to move prescription and safety traffic.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

// Topic names
const (
	// TopicPrescriptionEvents carries FHIR MedicationRequest payloads to evaluate
	TopicPrescriptionEvents = "prescription.events"
	// TopicPrescriptionFulfilled carries dispensing confirmations
	TopicPrescriptionFulfilled = "prescription.fulfilled"
	// TopicSafetyReports carries clinician and pharmacist issue reports
	TopicSafetyReports = "safety.reports"
	// TopicSafetyEvaluations receives evaluation results
	TopicSafetyEvaluations = "safety.evaluations"
	// TopicSafetyEvents receives issue and statistics domain events
	TopicSafetyEvents = "safety.events"
	TopicAuditTrail   = "audit.trail"
	TopicDeadLetter   = "dead.letter"
)

// TopicForEvent routes a domain event to its topic
func TopicForEvent(t safety.EventType) string {
	switch t {
	case safety.EventPrescriptionSafetyEvaluated:
		return TopicSafetyEvaluations
	case safety.EventSafetyIssueReported, safety.EventSafetyIssueStatusChanged, safety.EventAdverseEventRecorded:
		return TopicSafetyEvents
	default:
		return TopicAuditTrail
	}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

const (
	retentionWeek  = "604800000"
	retentionMonth = "2592000000"
)

// DefaultTopicConfigs returns the topics the safety services expect.
// Replication is 1 for local clusters; raise it in production.
func DefaultTopicConfigs() []TopicConfig {
	specs := []struct {
		name       string
		partitions int32
		retention  string
	}{
		{TopicPrescriptionEvents, 12, retentionWeek},
		{TopicPrescriptionFulfilled, 12, retentionWeek},
		{TopicSafetyReports, 6, retentionMonth},
		{TopicSafetyEvaluations, 12, retentionWeek},
		{TopicSafetyEvents, 6, retentionMonth},
		// audit records are kept for compliance review
		{TopicAuditTrail, 6, retentionMonth},
		{TopicDeadLetter, 3, retentionWeek},
	}

	configs := make([]TopicConfig, 0, len(specs))
	for _, s := range specs {
		retention, policy, compression := s.retention, "delete", "lz4"
		configs = append(configs, TopicConfig{
			Name:              s.name,
			Partitions:        s.partitions,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     &retention,
				"cleanup.policy":   &policy,
				"compression.type": &compression,
			},
		})
	}
	return configs
}

// Admin provides administrative operations for Redpanda
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

// CreateTopics creates the specified topics. Existing topics are skipped.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics ensures all required topics exist
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics lists all topics
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics.Names(), nil
}

// GetConsumerGroupLag returns the lag per topic and partition for a group
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
