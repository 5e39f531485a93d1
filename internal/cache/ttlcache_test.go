package cache

import (
	"errors"
	"testing"
	"time"
)

func TestTTLCache_GetMiss(t *testing.T) {
	c := NewTTLCache[string, int](time.Minute)
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTLCache[string, int](time.Minute)
	defer c.Close()

	c.Set("a", 42)
	v, ok := c.Get("a")
	if !ok || v != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", v, ok)
	}
}

func TestTTLCache_ExpiresAfterTTL(t *testing.T) {
	c := NewTTLCache[string, int](10 * time.Millisecond)
	defer c.Close()

	c.Set("a", 1)
	time.Sleep(50 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestTTLCache_ReadRefreshesTTL(t *testing.T) {
	fixedStart := time.Now()
	c := NewTTLCache[string, int](50 * time.Millisecond)
	defer c.Close()

	var elapsed time.Duration
	c.now = func() time.Time { return fixedStart.Add(elapsed) }

	c.Set("a", 1)

	// Advance partway into the TTL window and read: this should push
	// expireAt forward rather than letting it lapse.
	elapsed = 40 * time.Millisecond
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit before expiry")
	}

	elapsed = 70 * time.Millisecond
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected refresh-on-read to have extended the TTL past 70ms")
	}
}

func TestTTLCache_GetOrCreate_CachesResult(t *testing.T) {
	c := NewTTLCache[string, int](time.Minute)
	defer c.Close()

	calls := 0
	create := func() (int, error) {
		calls++
		return 7, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCreate("k", create)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	}

	if calls != 1 {
		t.Fatalf("expected create to run once, ran %d times", calls)
	}
}

func TestTTLCache_GetOrCreate_PropagatesError(t *testing.T) {
	c := NewTTLCache[string, int](time.Minute)
	defer c.Close()

	wantErr := errors.New("boom")
	_, err := c.GetOrCreate("k", func() (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if c.Len() != 0 {
		t.Fatal("expected failed create not to be cached")
	}
}

func TestTTLCache_Sweep(t *testing.T) {
	c := NewTTLCache[string, int](5 * time.Millisecond)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	time.Sleep(30 * time.Millisecond)
	c.sweep()

	if c.Len() != 0 {
		t.Fatalf("expected sweep to remove expired entries, got len %d", c.Len())
	}
}
