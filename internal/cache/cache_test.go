package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Docflow/internal/domain"
)

func newTestBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBadgerSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	ok, err := b.SetIfAbsent(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SetIfAbsent(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "existing value must not be overwritten")

	val, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", string(val))

	_, found, err = b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerLock(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	token, err := b.AcquireLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = b.AcquireLock(ctx, "lock", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	assert.ErrorIs(t, b.ReleaseLock(ctx, "lock", "someone-else"), ErrLockNotOwned)
	require.NoError(t, b.ReleaseLock(ctx, "lock", token))
	assert.ErrorIs(t, b.ReleaseLock(ctx, "lock", token), ErrLockNotOwned)

	_, err = b.AcquireLock(ctx, "lock", time.Minute)
	assert.NoError(t, err)
}

func TestBadgerLockSingleHolder(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	var holders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.AcquireLock(ctx, "contended", time.Minute); err == nil {
				holders.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), holders.Load())
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)
	key := ResultKey(uuid.New(), domain.StageChunking, Fingerprint("file:///a.txt"))

	written, err := PutResult(ctx, b, key, Result{ResultRef: "pg://chunks/x"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = PutResult(ctx, b, key, Result{ResultRef: "pg://chunks/y"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, written)

	res, ok, err := GetResult(ctx, b, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pg://chunks/x", res.ResultRef)
	assert.False(t, res.CachedAt.IsZero())
}

func TestKeys(t *testing.T) {
	doc := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	assert.Equal(t,
		"docflow:lock:00000000-0000-0000-0000-000000000001:chunking",
		LockKey(doc, domain.StageChunking))
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("ab"), Fingerprint("a", "b"))
	assert.Len(t, Fingerprint("x"), 64)
}
