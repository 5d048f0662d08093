package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the go-redis client the store uses.
// *redis.Client satisfies it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix namespaces every key; defaults to "forge".
	Prefix string
	Retain int
	// TTL expires checkpoints; zero keeps them forever.
	TTL    time.Duration
	Logger *slog.Logger
}

// RedisStore keeps versions under <prefix>:checkpoints:<id>:v<N> with a
// <prefix>:checkpoints:<id>:latest pointer.
type RedisStore struct {
	client RedisClient
	prefix string
	retain int
	ttl    time.Duration
	logger *slog.Logger
}

// OpenRedis connects to a redis:// URL.
func OpenRedis(address string, opts RedisOptions) (*RedisStore, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, errdefs.Storage("open redis", fmt.Errorf("parse redis url: %w", err))
	}
	return NewRedisStore(redis.NewClient(options), opts), nil
}

func NewRedisStore(client RedisClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "forge"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisStore{
		client: client,
		prefix: opts.Prefix,
		retain: retainOrDefault(opts.Retain),
		ttl:    opts.TTL,
		logger: opts.Logger,
	}
}

func (s *RedisStore) key(id string, suffix string) string {
	return fmt.Sprintf("%s:checkpoints:%s:%s", s.prefix, id, suffix)
}

func (s *RedisStore) latest(ctx context.Context, id string) (int, error) {
	raw, err := s.client.Get(ctx, s.key(id, "latest")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// Save writes the next version and advances the latest pointer. A single
// writer per workflow ID is assumed.
func (s *RedisStore) Save(ctx context.Context, cp *state.Checkpoint) error {
	latest, err := s.latest(ctx, cp.WorkflowID)
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	prev := cp.Version
	cp.Version = nextVersion(latest, cp.Version)
	if cp.FormatVersion == 0 {
		cp.FormatVersion = state.FormatVersion
	}
	data, err := state.Encode(cp)
	if err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	if err := s.client.Set(ctx, s.key(cp.WorkflowID, versionKey(cp.Version)), data, s.ttl).Err(); err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	if err := s.client.Set(ctx, s.key(cp.WorkflowID, "latest"), strconv.Itoa(cp.Version), s.ttl).Err(); err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	if old := cp.Version - s.retain; old > 0 {
		if err := s.client.Del(ctx, s.key(cp.WorkflowID, versionKey(old))).Err(); err != nil {
			s.logger.Warn("failed to prune checkpoint version", "workflow_id", cp.WorkflowID, "version", old, "error", err)
		}
	}
	return nil
}

// Load walks back from the latest pointer until a version parses.
func (s *RedisStore) Load(ctx context.Context, workflowID string) (*state.Checkpoint, error) {
	latest, err := s.latest(ctx, workflowID)
	if err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	if latest == 0 {
		return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNotFound, workflowID))
	}
	for v := latest; v > 0 && v > latest-s.retain; v-- {
		raw, err := s.client.Get(ctx, s.key(workflowID, versionKey(v))).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errdefs.Storage("load checkpoint", err)
		}
		cp, err := state.Decode(raw)
		if err == nil {
			return cp, nil
		}
		s.logger.Warn("skipping unreadable checkpoint version", "workflow_id", workflowID, "version", v, "error", err)
	}
	return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNoValidCheckpoint, workflowID))
}

func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	keys, err := s.client.Keys(ctx, s.key("*", "latest")).Result()
	if err != nil {
		return nil, errdefs.Storage("list checkpoints", err)
	}
	infos := []Info{}
	prefix := s.prefix + ":checkpoints:"
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, prefix), ":latest")
		cp, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Debug("skipping checkpoint in listing", "workflow_id", id, "error", err)
			continue
		}
		infos = append(infos, Summarize(cp, k))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *RedisStore) Delete(ctx context.Context, workflowID string) error {
	keys, err := s.client.Keys(ctx, s.key(workflowID, "*")).Result()
	if err != nil {
		return errdefs.Storage("delete checkpoint", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errdefs.Storage("delete checkpoint", err)
	}
	return nil
}

func versionKey(v int) string {
	return "v" + strconv.Itoa(v)
}
