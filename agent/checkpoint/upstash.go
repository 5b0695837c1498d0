package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultStoreKeyPrefix = "cbo:checkpoint:"
	runIndexSuffix        = "index:runs"
	defaultStoreTTL       = 7 * 24 * time.Hour
	maxResponseSizeBytes  = 4 << 20
)

// fenceScript appends a snapshot to the run's sorted set only when its id is
// above the current maximum score, and records the run in the run index
// scored by its start time.
// KEYS[1]=run set, KEYS[2]=run index.
// ARGV: checkpoint id, payload, ttl seconds, run id, start millis.
const fenceScript = `local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if top[2] and tonumber(top[2]) >= tonumber(ARGV[1]) then
  return tonumber(top[2])
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'NX', ARGV[5], ARGV[4])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  redis.call('EXPIRE', KEYS[2], ARGV[3])
end
return -1`

// StoreOption customizes UpstashStore.
type StoreOption func(*UpstashStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashStore persists snapshots in Upstash Redis via REST. Each run is a
// sorted set scored by checkpoint id; one more sorted set indexes run ids by
// start time.
type UpstashStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func NewUpstashStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultStoreKeyPrefix,
		ttl:        defaultStoreTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashStore) GetLatest(ctx context.Context, runID string) (*Snapshot, error) {
	snaps, err := s.List(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return &snaps[0], nil
}

func (s *UpstashStore) Put(ctx context.Context, runID string, checkpointID int64, snap Snapshot) error {
	if err := validatePut(runID, checkpointID); err != nil {
		return err
	}
	key, err := s.redisKey(runID)
	if err != nil {
		return err
	}

	snap.RunID = runID
	snap.CheckpointID = checkpointID
	snap.StartedAt = snap.StartedAt.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var ttl int64
	if s.ttl > 0 {
		ttl = ttlSeconds(s.ttl)
	}

	resp, err := s.exec(ctx, []any{
		"EVAL", fenceScript, "2", key, s.indexKey(),
		strconv.FormatInt(checkpointID, 10),
		string(payload),
		strconv.FormatInt(ttl, 10),
		runID,
		strconv.FormatInt(snap.StartedAt.UnixMilli(), 10),
	})
	if err != nil {
		return err
	}

	var latest int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &latest); err != nil {
		return fmt.Errorf("decode fence result: %w", err)
	}
	if latest >= 0 {
		return staleError(runID, checkpointID, latest)
	}
	return nil
}

func (s *UpstashStore) List(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	key, err := s.redisKey(runID)
	if err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	resp, err := s.exec(ctx, []any{"ZREVRANGE", key, "0", strconv.FormatInt(stop, 10)})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}

	var members []string
	if err := json.Unmarshal(result, &members); err != nil {
		return nil, fmt.Errorf("decode snapshot list: %w", err)
	}

	out := make([]Snapshot, 0, len(members))
	for _, m := range members {
		var snap Snapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// ListRuns walks the run index newest first and reads each run's head.
// Runs whose snapshots already expired are skipped.
func (s *UpstashStore) ListRuns(ctx context.Context, filter RunFilter) ([]Snapshot, error) {
	resp, err := s.exec(ctx, []any{"ZREVRANGE", s.indexKey(), "0", "-1"})
	if err != nil {
		return nil, err
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}
	var runIDs []string
	if err := json.Unmarshal(result, &runIDs); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}

	out := make([]Snapshot, 0, len(runIDs))
	for _, runID := range runIDs {
		snap, err := s.GetLatest(ctx, runID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.match(*snap) {
			continue
		}
		out = append(out, *snap)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *UpstashStore) indexKey() string {
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + runIndexSuffix
}

func (s *UpstashStore) redisKey(runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", ErrInvalidRun
	}
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + runID, nil
}

func (s *UpstashStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
