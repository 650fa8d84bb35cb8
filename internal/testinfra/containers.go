//go:build integration

// Package testinfra starts brokers in Docker for integration tests.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	DefaultRabbitMQImage = "rabbitmq:3.13-alpine"
	rabbitMQPort         = "5672/tcp"
)

// SkipIfNoDocker skips the test if Docker is not available.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
}

// IsDockerAvailable checks if the Docker daemon is running and accessible.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// CleanupContainer terminates container when the test ends.
func CleanupContainer(t *testing.T, container testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})
}

// RabbitMQ starts a broker and returns its AMQP URL.
func RabbitMQ(t *testing.T) string {
	t.Helper()
	SkipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        DefaultRabbitMQImage,
			ExposedPorts: []string{rabbitMQPort},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(rabbitMQPort),
				wait.ForLog("Server startup complete"),
			).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start rabbitmq container: %v", err)
	}
	CleanupContainer(t, container)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, rabbitMQPort)
	if err != nil {
		t.Fatalf("get mapped port: %v", err)
	}
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

// KafkaBrokers returns the brokers listed in MEDIATX_KAFKA_BROKERS and
// skips the test when it is unset. Kafka's advertised listeners make a
// throwaway container awkward, so the cluster is provided by the caller.
func KafkaBrokers(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("MEDIATX_KAFKA_BROKERS")
	if v == "" {
		t.Skip("Skipping test: MEDIATX_KAFKA_BROKERS not set")
	}
	return strings.Split(v, ",")
}
