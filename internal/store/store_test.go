package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Store
	Taker
	Adder
}

type fixture struct {
	name    string
	store   backend
	advance func(time.Duration)
}

func fixtures(t *testing.T) []fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []fixture{
		{
			name:    "memory",
			store:   NewMemory(time.Minute),
			advance: time.Sleep,
		},
		{
			name:    "redis",
			store:   NewRedisWithClient(client, "test:"),
			advance: mr.FastForward,
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, f.store.Set(ctx, "k", []byte("v1"), time.Minute))
			got, err := f.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, f.store.Set(ctx, "k", []byte("v2"), time.Minute))
			got, err = f.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, f.store.Delete(ctx, "k"))
			_, err = f.store.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, f.store.Delete(ctx, "never-existed"))
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			require.NoError(t, f.store.Set(ctx, "short", []byte("x"), 50*time.Millisecond))
			require.NoError(t, f.store.Set(ctx, "forever", []byte("y"), 0))

			f.advance(120 * time.Millisecond)

			_, err := f.store.Get(ctx, "short")
			require.ErrorIs(t, err, ErrNotFound)

			got, err := f.store.Get(ctx, "forever")
			require.NoError(t, err)
			assert.Equal(t, []byte("y"), got)
		})
	}
}

func TestStore_TakeIsSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			require.NoError(t, f.store.Set(ctx, "code", []byte("payload"), time.Minute))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if v, err := f.store.Take(ctx, "code"); err == nil {
						assert.Equal(t, []byte("payload"), v)
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			_, err := f.store.Get(ctx, "code")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AddOnlyWhenAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			ok, err := f.store.Add(ctx, "slot", []byte("first"), 0)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = f.store.Add(ctx, "slot", []byte("second"), 0)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := f.store.Get(ctx, "slot")
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)
		})
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(time.Minute)

	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'z'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestRedis_Prefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedisWithClient(client, "auth:")
	require.NoError(t, r.Set(ctx, "session:abc", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("auth:session:abc"))
	assert.NoError(t, r.Ping(ctx))
}
