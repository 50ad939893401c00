package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNormalize(t *testing.T) {
	got := normalize([]string{"recipient:b", "donor:a:kidney", "recipient:b", "donor:a:kidney"})
	want := []string{"donor:a:kidney", "recipient:b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(context.Background(), "donor:1:kidney", "recipient:9")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if len(m.entries) != 0 {
		t.Errorf("expected entries to be cleaned up, got %d", len(m.entries))
	}
}

func TestKeyedMutex_OverlappingSetsNoDeadlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := m.Lock(ctx, "a", "b")
			if err == nil {
				release()
			}
		}()
		go func() {
			defer wg.Done()
			release, err := m.Lock(ctx, "b", "a")
			if err == nil {
				release()
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatal("lock acquisition deadlocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "j", "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// "j" must have been released when "k" could not be taken.
	r2, err := m.Lock(context.Background(), "j")
	if err != nil {
		t.Fatalf("expected j to be free: %v", err)
	}
	r2()
}

func TestKeyedMutex_ReleaseTwice(t *testing.T) {
	m := NewKeyedMutex()
	release, _ := m.Lock(context.Background(), "k")
	release()
	release()
	r2, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock after double release: %v", err)
	}
	r2()
}

func TestRedisLocker_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedisLocker(client, WithTTL(time.Second), WithRetryInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.Lock(ctx, "donor:x:liver"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
