package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	databasex "github.com/tanpawarit/cognitive-backoffice/pkg/database"
)

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newPending(id string, expiresIn time.Duration) *Request {
	return &Request{
		ID:             id,
		RunID:          "run-" + id,
		Node:           "finanzas",
		Reason:         "factura > $1,000,000",
		Context:        map[string]any{"user_message": "facturar matrícula"},
		ProposedAction: map[string]any{"tool": "generar_factura", "args": map[string]any{"valor": 2500000.0}},
		Status:         StatusPending,
		CreatedAt:      baseTime,
		ExpiresAt:      baseTime.Add(expiresIn),
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	for _, req := range []*Request{newPending("a", 2*time.Hour), newPending("b", time.Hour), newPending("c", 3*time.Hour)} {
		if _, err := store.Create(ctx, req); err != nil {
			t.Fatalf("Create(%s) error = %v", req.ID, err)
		}
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	if got.Status != StatusPending || got.RunID != "run-a" || got.Reason != "factura > $1,000,000" {
		t.Fatalf("Get(a) = %#v", got)
	}
	if got.Context["user_message"] != "facturar matrícula" {
		t.Fatalf("context = %#v", got.Context)
	}
	if !got.ExpiresAt.Equal(baseTime.Add(2 * time.Hour)) {
		t.Fatalf("ExpiresAt = %v", got.ExpiresAt)
	}

	pending, err := store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 3 || pending[0].ID != "b" || pending[1].ID != "a" || pending[2].ID != "c" {
		t.Fatalf("ListPending() order = %v", ids(pending))
	}

	reviewed, err := store.Transition(ctx, "a", Review{Status: StatusApproved, ReviewerID: "rector", Notes: "ok", At: baseTime.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Transition(a) error = %v", err)
	}
	if reviewed.Status != StatusApproved || reviewed.ReviewerID != "rector" || reviewed.ReviewedAt == nil {
		t.Fatalf("reviewed = %#v", reviewed)
	}

	_, err = store.Transition(ctx, "a", Review{Status: StatusRejected, At: baseTime})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Transition(a) error = %v, want ErrConflict", err)
	}
	if _, err := store.Transition(ctx, "missing", Review{Status: StatusRejected, At: baseTime}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transition(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.Transition(ctx, "b", Review{Status: StatusPending, At: baseTime}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Transition(pending) error = %v, want ErrInvalidStatus", err)
	}

	limited, err := store.ListPending(ctx, 1)
	if err != nil {
		t.Fatalf("ListPending(1) error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "b" {
		t.Fatalf("ListPending(1) = %v", ids(limited))
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusApproved] != 1 || counts[StatusRejected] != 0 || counts.Total() != 3 {
		t.Fatalf("Counts() = %v", counts)
	}

	bad := newPending("d", time.Hour)
	bad.Status = StatusApproved
	if _, err := store.Create(ctx, bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Create(non-pending) error = %v, want ErrInvalidRequest", err)
	}
}

func exerciseConcurrentTransition(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Create(ctx, newPending("race", time.Hour)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const reviewers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
		others    []error
	)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Transition(ctx, "race", Review{Status: StatusApproved, ReviewerID: fmt.Sprintf("r%d", i), At: baseTime})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if ok != 1 || conflicts != reviewers-1 {
		t.Fatalf("ok=%d conflicts=%d, want 1/%d", ok, conflicts, reviewers-1)
	}
}

func ids(reqs []*Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreConcurrentTransition(t *testing.T) {
	t.Parallel()
	exerciseConcurrentTransition(t, NewMemoryStore())
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := databasex.OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("OpenSQLiteMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	if err := store.CreateSchema(context.Background()); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	return store
}

func TestSQLStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, newSQLStore(t))
}

func TestSQLStoreConcurrentTransition(t *testing.T) {
	t.Parallel()
	exerciseConcurrentTransition(t, newSQLStore(t))
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, WithRedisTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	return store, mr
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	store, _ := newRedisStore(t)
	exerciseStore(t, store)
}

func TestRedisStoreConcurrentTransition(t *testing.T) {
	t.Parallel()
	store, _ := newRedisStore(t)
	exerciseConcurrentTransition(t, store)
}

func TestRedisStoreCreateWritesHashTTLAndIndexTogether(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newRedisStore(t)

	req := newPending("dup", 2*time.Hour)
	if _, err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ttl := mr.TTL(store.key("dup")); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
	score, err := mr.ZScore(store.pendingKey(), "dup")
	if err != nil || score != float64(req.ExpiresAt.Unix()) {
		t.Fatalf("pending score = %v, %v", score, err)
	}

	again := newPending("dup", time.Hour)
	again.Reason = "otra razón"
	if _, err := store.Create(ctx, again); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want ErrConflict", err)
	}
	got, err := store.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Reason != req.Reason || !got.ExpiresAt.Equal(req.ExpiresAt) {
		t.Fatalf("duplicate Create overwrote the request: %#v", got)
	}
	score, err = mr.ZScore(store.pendingKey(), "dup")
	if err != nil || score != float64(req.ExpiresAt.Unix()) {
		t.Fatalf("pending score after duplicate = %v, %v", score, err)
	}
}

func TestRedisHashRoundTrip(t *testing.T) {
	t.Parallel()

	req := newPending("h1", time.Hour)
	fields, err := toHash(req)
	if err != nil {
		t.Fatalf("toHash() error = %v", err)
	}
	strs := make(map[string]string, len(fields))
	for k, v := range fields {
		strs[k] = fmt.Sprint(v)
	}
	strs["reviewer_id"] = "rector"
	strs["reviewed_at"] = baseTime.Add(time.Minute).Format(time.RFC3339Nano)

	got, err := fromHash(strs)
	if err != nil {
		t.Fatalf("fromHash() error = %v", err)
	}
	if got.ID != "h1" || got.Status != StatusPending || got.ReviewerID != "rector" {
		t.Fatalf("fromHash() = %#v", got)
	}
	if !got.ExpiresAt.Equal(req.ExpiresAt) || got.ReviewedAt == nil {
		t.Fatalf("times = %v / %v", got.ExpiresAt, got.ReviewedAt)
	}
	if got.ProposedAction["tool"] != "generar_factura" {
		t.Fatalf("proposed action = %#v", got.ProposedAction)
	}
}

func TestRedisStoreKeys(t *testing.T) {
	t.Parallel()

	s := &RedisStore{prefix: defaultRedisPrefix}
	if got := s.key("abc"); got != "cbo:approval:abc" {
		t.Fatalf("key() = %q", got)
	}
	if got := s.pendingKey(); got != "cbo:approval:pending" {
		t.Fatalf("pendingKey() = %q", got)
	}
	if _, err := NewRedisStore(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
