package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	ClientID string

	// TopicPartitions and TopicReplication apply to topics created by EnsureGroup.
	TopicPartitions  int32
	TopicReplication int16
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectWithRetry establishes a Kafka-backed stream bus with exponential backoff.
// It will retry failed connection attempts for up to 5 minutes, starting with
// 5 second intervals, to ride out temporary broker unavailability during startup.
func ConnectWithRetry(cfg *ClientConfig, log *logger.Logger, tracer trace.Tracer, metrics BusMetrics) (*Bus, error) {
	var bus *Bus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}

		bus, err = NewBus(client, cfg, log, tracer, metrics)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating kafka stream bus: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return bus, nil
}
