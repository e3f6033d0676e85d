package processor

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCacheMarkAndCheck(t *testing.T) {
	t.Parallel()

	c := newDedupeCache(time.Minute, 10)
	if c.Check("k1") {
		t.Fatal("unmarked key must miss")
	}
	c.Mark("k1")
	if !c.Check("k1") {
		t.Fatal("marked key must hit")
	}
}

func TestDedupeCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	c := newDedupeCache(10*time.Millisecond, 10)
	c.Mark("k1")
	time.Sleep(20 * time.Millisecond)
	if c.Check("k1") {
		t.Fatal("expired key must miss")
	}
}

func TestDedupeCacheEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	c := newDedupeCache(time.Minute, 3)
	for i := 0; i < 3; i++ {
		c.Mark(fmt.Sprintf("k%d", i))
	}
	c.Mark("k3")

	if c.Check("k0") {
		t.Fatal("oldest key must be evicted at capacity")
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if !c.Check(key) {
			t.Fatalf("key %s must survive eviction", key)
		}
	}
}

func TestDedupeCacheRemarkRefreshesPosition(t *testing.T) {
	t.Parallel()

	c := newDedupeCache(time.Minute, 2)
	c.Mark("a")
	c.Mark("b")
	c.Mark("a") // refresh, "b" is now oldest
	c.Mark("c")

	if c.Check("b") {
		t.Fatal("expected b to be evicted")
	}
	if !c.Check("a") || !c.Check("c") {
		t.Fatal("expected a and c to survive")
	}
}
