package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisStore_Contract runs the shared Store contract against a real
// Redis. Set COBROWSE_TEST_REDIS_ADDR (e.g. 127.0.0.1:6379) to enable it;
// the test uses a dedicated logical DB and flushes it.
func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("COBROWSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COBROWSE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis at %s not reachable: %v", addr, err)
	}

	runStoreContract(t, func(t *testing.T) Store {
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush test db: %v", err)
		}
		return NewRedisStore(client, time.Hour)
	})
}
