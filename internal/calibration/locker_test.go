package calibration

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMutexLocker_SerializesSameKey(t *testing.T) {
	l := NewMutexLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "k")
			if err != nil {
				t.Errorf("Lock() error: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if len(l.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(l.locks))
	}
}

func TestMutexLocker_IndependentKeys(t *testing.T) {
	l := NewMutexLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a) error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) blocked by a: %v", err)
	}
	unlockB()
}

func TestMutexLocker_HonoursContext(t *testing.T) {
	l := NewMutexLocker()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() error = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	again()
}

// redisClient returns a client for REDIS_URL or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis locker test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, nil)
	l.prefix = "mockup:test:" + t.Name() + ":"

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("contended Lock() error = %v, want DeadlineExceeded", err)
	}

	unlock()

	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	unlock2()

	if n, err := client.Exists(context.Background(), l.prefix+"k").Result(); err != nil || n != 0 {
		t.Errorf("lock key still present: n=%d err=%v", n, err)
	}
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, nil)
	l.prefix = "mockup:test:" + t.Name() + ":"
	l.ttl = 50 * time.Millisecond

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // first holder's lease expires

	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	l.ttl = DefaultRedisLockTTL

	unlock() // stale holder must not release the new lease
	if n, _ := client.Exists(context.Background(), l.prefix+"k").Result(); n != 1 {
		t.Error("stale unlock removed another holder's lock")
	}
	unlock2()
}
