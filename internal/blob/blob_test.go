package blob

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "v" {
		t.Errorf("got %q, want v", val)
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	m := NewMemoryAt(func() time.Time { return now })

	m.Set(ctx, "k", []byte("v"), 90*time.Second)

	now = now.Add(89 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("key expired too early")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("key should have expired")
	}
}

func TestMemorySetNX(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	ok, _ := m.SetNX(ctx, "inflight", []byte("1"), time.Minute)
	if !ok {
		t.Fatal("first SetNX should win")
	}
	ok, _ = m.SetNX(ctx, "inflight", []byte("1"), time.Minute)
	if ok {
		t.Fatal("second SetNX should lose")
	}
}

func TestMemoryIncrByConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrBy(ctx, "ctr", 1, time.Minute)
		}()
	}
	wg.Wait()

	n, err := m.GetInt64(ctx, "ctr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 50 {
		t.Errorf("counter = %d, want 50", n)
	}
}

func TestMemoryGetInt64Absent(t *testing.T) {
	t.Parallel()
	n, err := NewMemory().GetInt64(context.Background(), "missing")
	if err != nil || n != 0 {
		t.Errorf("absent counter: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	m.Set(ctx, "k", []byte("v"), 0)
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("key survived delete")
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting absent key: %v", err)
	}
}
