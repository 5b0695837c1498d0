package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "cbo:approval:"
	redisPendingKey    = "pending"
	redisCountsKey     = "counts"
)

// createScript writes the hash, its ttl, the pending entry and the pending
// count in one step.
// KEYS[1]=approval hash, KEYS[2]=pending index, KEYS[3]=status counts.
// ARGV[1]=ttl seconds, ARGV[2]=expiry score, ARGV[3]=id, ARGV[4..]=field/value pairs.
// Returns 0 when the id is taken.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('EXPIRE', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HINCRBY', KEYS[3], 'pending', 1)
return 1
`)

// transitionScript flips the status field only while it is still pending.
// KEYS[1]=approval hash, KEYS[2]=pending index, KEYS[3]=status counts.
// Returns the prior status.
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
  return ''
end
if current ~= 'pending' then
  return current
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'reviewer_id', ARGV[2], 'review_notes', ARGV[3], 'reviewed_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('HINCRBY', KEYS[3], 'pending', -1)
redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
return 'pending'
`)

type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" default:"localhost:6379"`
	Password string        `envconfig:"PASSWORD"`
	DB       int           `envconfig:"DB" default:"0"`
	Prefix   string        `envconfig:"PREFIX" default:"cbo:approval:"`
	TTL      time.Duration `envconfig:"TTL" default:"720h"`
}

// RedisStore keeps each request in a hash plus a pending index scored by expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: 30 * 24 * time.Hour}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func NewRedisStoreFromConfig(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStore(client, WithRedisPrefix(cfg.Prefix), WithRedisTTL(cfg.TTL))
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + redisPendingKey
}

func (s *RedisStore) countsKey() string {
	return s.prefix + redisCountsKey
}

func (s *RedisStore) Create(ctx context.Context, req *Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	fields, err := toHash(req)
	if err != nil {
		return "", err
	}
	ttl := int64(s.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	args := []any{ttl, req.ExpiresAt.Unix(), req.ID}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}

	created, err := createScript.Run(ctx, s.client, []string{s.key(req.ID), s.pendingKey(), s.countsKey()}, args...).Int()
	if err != nil {
		return "", fmt.Errorf("hitl: create approval %s: %w", req.ID, err)
	}
	if created == 0 {
		return "", fmt.Errorf("%w: approval %s already exists", ErrConflict, req.ID)
	}
	return req.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hitl: get approval %s: %w", id, err)
	}
	if len(fields) == 0 || fields["status"] == "" {
		return nil, ErrNotFound
	}
	return fromHash(fields)
}

func (s *RedisStore) Transition(ctx context.Context, id string, review Review) (*Request, error) {
	if err := review.validate(); err != nil {
		return nil, err
	}
	prior, err := transitionScript.Run(ctx, s.client,
		[]string{s.key(id), s.pendingKey(), s.countsKey()},
		string(review.Status),
		review.ReviewerID,
		review.Notes,
		review.At.UTC().Format(time.RFC3339Nano),
		id,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("hitl: transition approval %s: %w", id, err)
	}
	switch prior {
	case "":
		return nil, ErrNotFound
	case string(StatusPending):
		return s.Get(ctx, id)
	default:
		return nil, conflictError(id, Status(prior))
	}
}

func (s *RedisStore) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("hitl: list pending: %w", err)
	}
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	return out, nil
}

// Counts reads the counters the scripts keep; requests dropped by ttl stay
// counted.
func (s *RedisStore) Counts(ctx context.Context) (Counts, error) {
	raw, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hitl: count approvals: %w", err)
	}
	out := newCounts()
	for status, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("hitl: count %s: %w", status, err)
		}
		out[Status(status)] = n
	}
	return out, nil
}

func toHash(req *Request) (map[string]any, error) {
	ctxJSON, err := marshalBlob(req.Context)
	if err != nil {
		return nil, fmt.Errorf("hitl: marshal context: %w", err)
	}
	actionJSON, err := marshalBlob(req.ProposedAction)
	if err != nil {
		return nil, fmt.Errorf("hitl: marshal proposed action: %w", err)
	}
	return map[string]any{
		"id":              req.ID,
		"run_id":          req.RunID,
		"node":            req.Node,
		"reason":          req.Reason,
		"context":         ctxJSON,
		"proposed_action": actionJSON,
		"status":          string(req.Status),
		"created_at":      req.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":      req.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func fromHash(fields map[string]string) (*Request, error) {
	req := &Request{
		ID:          fields["id"],
		RunID:       fields["run_id"],
		Node:        fields["node"],
		Reason:      fields["reason"],
		Status:      Status(fields["status"]),
		ReviewerID:  fields["reviewer_id"],
		ReviewNotes: fields["review_notes"],
	}
	var err error
	if req.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if req.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return nil, err
	}
	if raw := fields["reviewed_at"]; raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		req.ReviewedAt = &at
	}
	if err := unmarshalBlob(fields["context"], &req.Context); err != nil {
		return nil, fmt.Errorf("hitl: decode context of %s: %w", req.ID, err)
	}
	if err := unmarshalBlob(fields["proposed_action"], &req.ProposedAction); err != nil {
		return nil, fmt.Errorf("hitl: decode proposed action of %s: %w", req.ID, err)
	}
	return req, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("hitl: parse time %q: %w", raw, err)
	}
	return t, nil
}
