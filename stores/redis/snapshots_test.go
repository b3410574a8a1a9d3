package redis

import (
	"context"
	"os"
	"testing"

	"collab-server/core"
	"collab-server/stores/storetest"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

// newTestStore connects to REDIS_ADDR and namespaces every key under a
// fresh prefix that is removed when the test ends.
func newTestStore(t *testing.T) core.SnapshotStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "collab-test:" + ulid.Make().String() + ":"
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewSnapshotStore(client, WithPrefix(prefix))
}

func TestSnapshotStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestDialFailsForUnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := Dial(context.Background(), "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestKeyLayout(t *testing.T) {
	s := NewSnapshotStore(nil, WithPrefix("p:")).(*snapshotStore)
	if got := s.sessionKey("s1"); got != "p:session:s1" {
		t.Errorf("sessionKey() = %q", got)
	}
	if got := s.sessionsKey(); got != "p:sessions" {
		t.Errorf("sessionsKey() = %q", got)
	}
}
