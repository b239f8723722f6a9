package credential

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, nil), mr
}

func TestRedisStoreLoadEmpty(t *testing.T) {
	store, _ := newTestRedisStore(t)

	creds, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("len = %d, want 0", len(creds))
	}
}

func TestRedisStorePersistAndLoad(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	in := Credential{
		ID:           "alpha",
		Token:        "tok",
		RefreshToken: "ref",
		ProjectID:    "proj",
		Status:       StatusActive,
	}
	if err := store.Persist(ctx, in); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	creds, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("len = %d, want 1", len(creds))
	}
	c := creds[0]
	if c.ID != "alpha" || c.Token != "tok" || c.RefreshToken != "ref" || c.ProjectID != "proj" {
		t.Errorf("got %+v", c)
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s, want active", c.Status)
	}
}

func TestRedisStorePersistBanned(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	err := store.Persist(ctx, Credential{
		ID:        "alpha",
		Token:     "tok",
		Status:    StatusBanned,
		BanReason: "auth_invalid",
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	creds, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds[0].Status != StatusBanned || creds[0].BanReason != "auth_invalid" {
		t.Errorf("got %+v", creds[0])
	}
}

func TestRedisStoreSkipsDanglingIndexEntry(t *testing.T) {
	store, mr := newTestRedisStore(t)

	// Index entry without a backing hash, e.g. after a partial delete.
	mr.SAdd(redisCredIndex, "ghost")

	creds, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("len = %d, want 0", len(creds))
	}
}

func TestRedisStoreRefreshWithoutRefresher(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.RefreshSecret(context.Background(), Credential{ID: "a", RefreshToken: "r"})
	if err != ErrNotRefreshable {
		t.Fatalf("err = %v, want ErrNotRefreshable", err)
	}
}
