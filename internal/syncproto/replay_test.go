package syncproto

import (
	"context"
	"testing"
	"time"
)

func TestMemoryReplayCache_FirstUseThenReplay(t *testing.T) {
	c := NewMemoryReplayCache()

	seen, err := c.Seen(context.Background(), "n1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if seen {
		t.Fatalf("first use must not be seen")
	}

	seen, err = c.Seen(context.Background(), "n1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !seen {
		t.Fatalf("second use within window must be seen")
	}
}

func TestMemoryReplayCache_ExpiresAfterWindow(t *testing.T) {
	now := time.Now()
	c := NewMemoryReplayCache()
	c.SetClock(func() time.Time { return now })

	if seen, _ := c.Seen(context.Background(), "n1", time.Minute); seen {
		t.Fatalf("first use must not be seen")
	}

	now = now.Add(2 * time.Minute)
	if seen, _ := c.Seen(context.Background(), "n1", time.Minute); seen {
		t.Fatalf("nonce must be reusable after the window expires")
	}
}

func TestMemoryReplayCache_DistinctNoncesIndependent(t *testing.T) {
	c := NewMemoryReplayCache()
	if seen, _ := c.Seen(context.Background(), "n1", time.Minute); seen {
		t.Fatalf("n1 first use")
	}
	if seen, _ := c.Seen(context.Background(), "n2", time.Minute); seen {
		t.Fatalf("n2 must be independent of n1")
	}
}
