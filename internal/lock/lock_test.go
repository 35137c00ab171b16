package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientbuddy/chat-platform/internal/model"
)

func exerciseLocker(t *testing.T, l Locker) {
	ctx := context.Background()
	key := "thread_" + uuid.NewString()

	release, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, key)
	assert.ErrorIs(t, err, model.ErrTurnInProgress)

	other, err := l.TryAcquire(ctx, key+"-other")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)
	again()
}

func TestMemory_Exclusion(t *testing.T) {
	exerciseLocker(t, NewMemory())
}

func TestMemory_AtMostOneHolder(t *testing.T) {
	l := NewMemory()
	var holders, maxHolders int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.TryAcquire(context.Background(), "T1")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders)
	assert.Equal(t, 0, l.Held())
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().TryAcquire(ctx, "T1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedis_Exclusion(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client, err := NewRedisClient(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	defer client.Close()

	exerciseLocker(t, NewRedis(client, 10*time.Second))
}
