//go:build integration

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	appconfig "tickerflow/config"
	"tickerflow/models"
)

// setupRedis starts a Redis container and returns its address.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	return endpoint, func() { container.Terminate(ctx) }
}

func TestRedisStore_Integration(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	store, err := NewRedisStore(context.Background(), appconfig.RedisConfig{Addr: addr, Key: "tickerflow:test"})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestRedisStore_Integration_TTL(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store := NewRedisStoreFromClient(client, "tickerflow:ttl", time.Hour)
	if err := store.Save(ctx, models.CheckpointState{Cursor: "c1", RecordCount: 10}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ttl, err := client.TTL(ctx, "tickerflow:ttl").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}
