package manager

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStatusCacheServesCachedValueWithinTTL(t *testing.T) {
	c := newStatusCache(time.Hour)
	var calls int32

	compute := func() Status {
		atomic.AddInt32(&calls, 1)
		return Status{Total: 5}
	}

	first := c.getOrRefresh(compute)
	second := c.getOrRefresh(compute)

	if first.Total != 5 || second.Total != 5 {
		t.Fatalf("unexpected values: %+v, %+v", first, second)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("compute called %d times within TTL, want 1", calls)
	}
}

func TestStatusCacheRecomputesAfterExpiry(t *testing.T) {
	c := newStatusCache(1 * time.Millisecond)
	var calls int32

	compute := func() Status {
		n := atomic.AddInt32(&calls, 1)
		return Status{Total: int(n)}
	}

	c.getOrRefresh(compute)
	time.Sleep(5 * time.Millisecond)
	got := c.getOrRefresh(compute)

	if got.Total != 2 {
		t.Fatalf("Total after expiry = %d, want 2 (recomputed)", got.Total)
	}
}
