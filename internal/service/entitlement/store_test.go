package entitlement

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"avatarchat/internal/config"
	"avatarchat/internal/models"
	"avatarchat/internal/redis"
	"avatarchat/internal/storage"
)

func TestUnknownUserIsNotPremium(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	premium, err := store.IsPremium(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("is premium: %v", err)
	}
	if premium {
		t.Fatalf("unknown user must not be premium")
	}
}

func TestSetPremiumIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.SetPremium(ctx, "u1", true, nil); err != nil {
			t.Fatalf("set premium %d: %v", i, err)
		}
	}
	premium, err := store.IsPremium(ctx, "u1")
	if err != nil || !premium {
		t.Fatalf("expected premium, got %v (%v)", premium, err)
	}
	if rows := countUserRows(t, db, "u1"); rows != 1 {
		t.Fatalf("expected a single row, got %d", rows)
	}
	ent, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ent.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", ent.ExpiresAt)
	}
}

func TestSetPremiumFalseRevokes(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	ctx := context.Background()
	if err := store.SetPremium(ctx, "u1", true, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.SetPremium(ctx, "u1", false, nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if premium, _ := store.IsPremium(ctx, "u1"); premium {
		t.Fatalf("expected last write to win")
	}
}

func TestExpiryIsEvaluatedAtReadTime(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, openTestDB(t), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	if err := store.SetPremium(ctx, "expired", true, &past); err != nil {
		t.Fatalf("set expired: %v", err)
	}
	if err := store.SetPremium(ctx, "active", true, &future); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if premium, _ := store.IsPremium(ctx, "expired"); premium {
		t.Fatalf("expired grant must not be premium")
	}
	if premium, _ := store.IsPremium(ctx, "active"); !premium {
		t.Fatalf("unexpired grant must be premium")
	}
	ent, err := store.Get(ctx, "active")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ent.ExpiresAt == nil || !ent.ExpiresAt.Equal(future) {
		t.Fatalf("expiry not round-tripped: %v", ent.ExpiresAt)
	}
}

func TestConcurrentGrantsForDifferentUsers(t *testing.T) {
	db := openTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.SetPremium(ctx, fmt.Sprintf("user-%d", i%10), true, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent grant: %v", err)
	}
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if total != 10 {
		t.Fatalf("expected 10 rows, got %d", total)
	}
}

func TestRedisCacheIsRefreshedOnWrite(t *testing.T) {
	srv := miniredis.RunT(t)
	client := newRedisClient(t, srv.Addr())
	store := newTestStore(t, openTestDB(t), WithCache(NewRedisCache(client, time.Minute)))
	ctx := context.Background()

	if premium, _ := store.IsPremium(ctx, "u1"); premium {
		t.Fatalf("expected not premium before grant")
	}
	if !srv.Exists(cacheKey("u1")) {
		t.Fatalf("expected negative result cached")
	}
	if err := store.SetPremium(ctx, "u1", true, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	raw, err := srv.Get(cacheKey("u1"))
	if err != nil {
		t.Fatalf("expected cache entry written by grant: %v", err)
	}
	if !strings.Contains(raw, `"is_premium":true`) {
		t.Fatalf("expected premium row in cache, got %s", raw)
	}
	if premium, _ := store.IsPremium(ctx, "u1"); !premium {
		t.Fatalf("expected premium after grant")
	}
}

// gatedCache is an in-memory Cache whose Fill blocks until released.
type gatedCache struct {
	mu      sync.Mutex
	entries map[string]models.Entitlement
	filling chan struct{}
	release chan struct{}
}

func newGatedCache() *gatedCache {
	return &gatedCache{
		entries: make(map[string]models.Entitlement),
		filling: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedCache) Load(ctx context.Context, userID string) (*models.Entitlement, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[userID]
	if !ok {
		return nil, false, nil
	}
	return &ent, true, nil
}

func (c *gatedCache) Fill(ctx context.Context, ent *models.Entitlement) error {
	close(c.filling)
	<-c.release
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[ent.UserID]; !ok {
		c.entries[ent.UserID] = *ent
	}
	return nil
}

func (c *gatedCache) Store(ctx context.Context, ent *models.Entitlement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ent.UserID] = *ent
	return nil
}

func (c *gatedCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

func TestGrantIsNotHiddenByConcurrentStaleFill(t *testing.T) {
	cache := newGatedCache()
	store := newTestStore(t, openTestDB(t), WithCache(cache))
	ctx := context.Background()

	readerDone := make(chan bool)
	go func() {
		premium, _ := store.IsPremium(ctx, "payer")
		readerDone <- premium
	}()

	// the reader has seen the old row and is about to fill the cache
	<-cache.filling
	if err := store.SetPremium(ctx, "payer", true, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	close(cache.release)
	if premium := <-readerDone; premium {
		t.Fatalf("reader started before the grant should see the old row")
	}

	premium, err := store.IsPremium(ctx, "payer")
	if err != nil {
		t.Fatalf("is premium: %v", err)
	}
	if !premium {
		t.Fatalf("grant hidden by a stale cache fill")
	}
}

func TestRedisCacheOutageFallsBackToDatabase(t *testing.T) {
	srv := miniredis.RunT(t)
	client := newRedisClient(t, srv.Addr())
	store := newTestStore(t, openTestDB(t), WithCache(NewRedisCache(client, time.Minute)))
	ctx := context.Background()

	srv.Close()
	if err := store.SetPremium(ctx, "u1", true, nil); err != nil {
		t.Fatalf("grant with cache down: %v", err)
	}
	premium, err := store.IsPremium(ctx, "u1")
	if err != nil || !premium {
		t.Fatalf("expected database answer, got %v (%v)", premium, err)
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewStore(nil, "oracle"); err == nil {
		t.Fatalf("expected driver error")
	}
}

func newTestStore(t *testing.T, db *sql.DB, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(db, storage.DriverSQLite, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "users.sqlite3"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, storage.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func countUserRows(t *testing.T, db *sql.DB, userID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, userID).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func newRedisClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
