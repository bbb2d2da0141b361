package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisDraft_UpsertKeepsIdentity(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewRedisDraftRepository(rdb, time.Hour)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, "sess_a", domain.DraftFields{Phone: "0611", Notes: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := repo.Upsert(ctx, "sess_a", domain.DraftFields{Phone: "0611", Notes: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("upsert must keep id and created_at: %+v vs %+v", first, second)
	}

	got, err := repo.GetBySession(ctx, "sess_a")
	if err != nil || got == nil {
		t.Fatalf("expected draft, got %v %v", got, err)
	}
	if got.Fields.Notes != "second" || got.ID != first.ID || got.SessionID != "sess_a" {
		t.Fatalf("unexpected stored draft %+v", got)
	}
	if ttl := mr.TTL(redisDraftPrefix + "sess_a"); ttl != time.Hour {
		t.Fatalf("expected retention ttl, got %v", ttl)
	}

	other, err := repo.Upsert(ctx, "sess_b", domain.DraftFields{Phone: "0622"})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatal("each session gets its own draft id")
	}
}

func TestRedisDraft_ConcurrentFirstSavesShareOneID(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewRedisDraftRepository(rdb, time.Hour)
	ctx := context.Background()

	const writers = 16
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := repo.Upsert(ctx, "sess_race", domain.DraftFields{Phone: "0611"})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent first saves allocated different ids: %v", ids)
		}
	}
}

func TestRedisDraft_DeleteAndExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewRedisDraftRepository(rdb, time.Hour)
	ctx := context.Background()

	if d, err := repo.GetBySession(ctx, "sess_none"); err != nil || d != nil {
		t.Fatalf("expected no draft, got %v %v", d, err)
	}

	_, _ = repo.Upsert(ctx, "sess_del", domain.DraftFields{Phone: "0611"})
	if ok, err := repo.DeleteBySession(ctx, "sess_del"); err != nil || !ok {
		t.Fatalf("expected delete, got %v %v", ok, err)
	}
	if ok, _ := repo.DeleteBySession(ctx, "sess_del"); ok {
		t.Fatal("second delete must report nothing removed")
	}

	_, _ = repo.Upsert(ctx, "sess_old", domain.DraftFields{Phone: "0611"})
	mr.FastForward(time.Hour + time.Second)
	if d, _ := repo.GetBySession(ctx, "sess_old"); d != nil {
		t.Fatalf("draft should have expired, got %+v", d)
	}
}

func TestRedisIdempotency(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewRedisIdempotencyRepository(rdb, time.Hour)
	ctx := context.Background()

	if id, err := repo.CheckOrCreateIdempotency(ctx, "key-1", 0); err != nil || id != 0 {
		t.Fatalf("unknown key should be unbound, got %d %v", id, err)
	}
	if id, err := repo.CheckOrCreateIdempotency(ctx, "key-1", 7); err != nil || id != 0 {
		t.Fatalf("first bind should succeed, got %d %v", id, err)
	}
	if id, _ := repo.CheckOrCreateIdempotency(ctx, "key-1", 0); id != 7 {
		t.Fatalf("lookup should find 7, got %d", id)
	}
	if id, _ := repo.CheckOrCreateIdempotency(ctx, "key-1", 9); id != 7 {
		t.Fatalf("a second bind must return the first reservation, got %d", id)
	}
	if id, _ := repo.CheckOrCreateIdempotency(ctx, "key-1", 7); id != 0 {
		t.Fatalf("rebinding the same reservation is not a conflict, got %d", id)
	}

	mr.FastForward(time.Hour + time.Second)
	if id, _ := repo.CheckOrCreateIdempotency(ctx, "key-1", 0); id != 0 {
		t.Fatalf("binding should expire with its ttl, got %d", id)
	}
}
