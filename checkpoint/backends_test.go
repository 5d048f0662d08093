package checkpoint

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Keys(_ context.Context, pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return redis.NewStringSliceResult(out, nil)
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "wf-1")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	cp := newCheckpoint("wf-1", 1)
	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Save(ctx, cp))
		require.Equal(t, i, cp.Version)
	}
	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Version)
	assert.Equal(t, []int{0}, loaded.GetCompletedSteps())

	require.NoError(t, store.Save(ctx, newCheckpoint("wf-2", 2)))
	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "wf-2", infos[0].WorkflowID)

	require.NoError(t, store.Delete(ctx, "wf-1"))
	_, err = store.Load(ctx, "wf-1")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestRedisStore(t *testing.T) {
	client := newFakeRedis()
	store := NewRedisStore(client, RedisOptions{Prefix: "test"})
	exerciseStore(t, store)

	cp := newCheckpoint("wf-3", 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(context.Background(), cp))
	}
	_, kept := client.data["test:checkpoints:wf-3:v5"]
	_, pruned := client.data["test:checkpoints:wf-3:v2"]
	assert.True(t, kept)
	assert.False(t, pruned)
	assert.Equal(t, "5", client.data["test:checkpoints:wf-3:latest"])
}

func TestRedisStoreFallsBack(t *testing.T) {
	client := newFakeRedis()
	store := NewRedisStore(client, RedisOptions{})
	ctx := context.Background()
	cp := newCheckpoint("wf", 0)
	require.NoError(t, store.Save(ctx, cp))
	require.NoError(t, store.Save(ctx, cp))
	client.data["forge:checkpoints:wf:v2"] = "{broken"

	loaded, err := store.Load(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)

	client.data["forge:checkpoints:wf:v1"] = "{broken"
	_, err = store.Load(ctx, "wf")
	assert.True(t, errors.Is(err, ErrNoValidCheckpoint))
}

func TestBadgerStore(t *testing.T) {
	store, err := OpenBadger("", 3, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	exerciseStore(t, store)

	ctx := context.Background()
	cp := newCheckpoint("wf-3", 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(ctx, cp))
	}
	err = store.db.View(func(txn *badger.Txn) error {
		assert.Equal(t, []int{5, 4, 3}, versionsTxn(txn, "wf-3"))
		return nil
	})
	require.NoError(t, err)
}
