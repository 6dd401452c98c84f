// Package kafka holds shared Kafka client configuration.
package kafka

import (
	"strings"
	"time"

	"relay/internal/platform/config"
)

// ProducerConfig holds configuration for the Kafka producer.
type ProducerConfig struct {
	Brokers         []string
	Acks            string
	Retries         int
	DeliveryTimeout time.Duration
}

func ProducerConfigFrom(cfg config.Kafka) ProducerConfig {
	return ProducerConfig{
		Brokers:         SplitBrokers(cfg.Brokers),
		Acks:            cfg.Acks,
		Retries:         cfg.Retries,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}
}

// SplitBrokers parses a comma separated broker list, dropping blanks.
func SplitBrokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
