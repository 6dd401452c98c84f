//go:build integration

// Package containers starts the Postgres and Kafka instances used by the
// integration suites. Each container is started once per test binary and
// shared by every suite in it.
package containers

import (
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// Manager hands out the shared containers, starting each on first use.
type Manager struct {
	mu       sync.Mutex
	postgres *PostgresContainer
	kafka    *KafkaContainer
}

var manager = &Manager{}

// GetManager returns the process-wide manager.
func GetManager() *Manager {
	return manager
}

// GetPostgres returns the shared Postgres with all migrations applied.
// Suites are skipped under -short or when no container runtime is reachable.
func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	skipWithoutRuntime(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postgres == nil {
		m.postgres = NewPostgresContainer(t)
	}
	return m.postgres
}

// GetKafka returns the shared Kafka-compatible broker.
func (m *Manager) GetKafka(t *testing.T) *KafkaContainer {
	t.Helper()
	skipWithoutRuntime(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kafka == nil {
		m.kafka = NewKafkaContainer(t)
	}
	return m.kafka
}

func skipWithoutRuntime(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration containers are skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
