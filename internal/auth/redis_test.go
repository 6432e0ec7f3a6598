package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisTokenStore(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisTokenStore(client, "test:")
	ctx := context.Background()
	now := time.Now()

	rec := RefreshRecord{Key: "k1", PrincipalID: "u1", Role: RoleUser, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, RefreshRecord{Key: "k2", PrincipalID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PrincipalID != "u1" || got.Role != RoleUser {
		t.Fatalf("unexpected record %+v", got)
	}

	ok, err := store.Delete(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("first Delete = %v, %v", ok, err)
	}
	ok, err = store.Delete(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v", ok, err)
	}
	if _, err := store.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := store.DeleteByPrincipal(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteByPrincipal = %d, %v", n, err)
	}
}

func TestRedisLockoutStore(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisLockoutStore(client, "test:")
	ctx := context.Background()
	at := time.Now()

	for i := 1; i <= 3; i++ {
		rec, err := store.Increment(ctx, "alice", at, time.Minute)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if rec.FailedCount != i {
			t.Fatalf("count = %d, want %d", rec.FailedCount, i)
		}
	}
	rec, ok, err := store.Get(ctx, "alice")
	if err != nil || !ok || rec.FailedCount != 3 || !rec.LastAttemptAt.Equal(time.Unix(0, at.UnixNano())) {
		t.Fatalf("Get = %+v %v %v", rec, ok, err)
	}

	rec, err = store.Increment(ctx, "alice", at.Add(2*time.Minute), time.Minute)
	if err != nil || rec.FailedCount != 1 {
		t.Fatalf("stale counter not restarted: %+v %v", rec, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "alice"); ok {
		t.Fatalf("record should expire with the window")
	}
}

func TestManagerWithRedisStores(t *testing.T) {
	_, client := newTestRedis(t)
	clock := newTestClock()
	m := newTestManager(t, clock,
		WithTokenStore(NewRedisTokenStore(client, "")),
		WithLockoutStore(NewRedisLockoutStore(client, "")),
	)
	ctx := context.Background()
	pair, err := m.Issue(ctx, Principal{ID: "u1", Role: RoleUser})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := m.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatalf("expected ErrRefreshNotFound on replay, got %v", err)
	}
}
