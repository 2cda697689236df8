package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "kidguard:lock:", zap.NewNop())
}

// exercise runs n goroutines through the same critical section and reports
// the highest number of concurrent holders seen.
func exercise(t *testing.T, l Locker, n int) int32 {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			release, err := l.Lock(ctx, "device:abc", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			cur := atomic.AddInt32(&inside, 1)
			for {
				prev := atomic.LoadInt32(&maxInside)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInside, prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	return maxInside
}

func TestLocalMutualExclusion(t *testing.T) {
	assert.EqualValues(t, 1, exercise(t, NewLocal(), 8))
}

func TestRedisMutualExclusion(t *testing.T) {
	_, l := setupTestRedis(t)
	assert.EqualValues(t, 1, exercise(t, l, 4))
}

func TestLocalLockHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "k", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	mr, l := setupTestRedis(t)

	release, err := l.Lock(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists("kidguard:lock:k"))

	// Simulate expiry and takeover by another holder.
	mr.Set("kidguard:lock:k", "someone-else")
	release()

	got, err := mr.Get("kidguard:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockExpires(t *testing.T) {
	mr, l := setupTestRedis(t)

	_, err := l.Lock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	release()
	assert.False(t, mr.Exists("kidguard:lock:k"))
}
