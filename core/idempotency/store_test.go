package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestSetThenGetReplaysTheSameResponse(t *testing.T) {
	s := NewStore(0)
	resp := Response{StatusCode: 202, Body: []byte(`{"command_id":"cmd-1"}`), Headers: map[string][]string{"Content-Type": {"application/json"}}}
	s.Set("key-1", resp)

	got, ok := s.Get("key-1")
	if !ok {
		t.Fatal("expected the stored response to be found")
	}
	if got.StatusCode != 202 || string(got.Body) != `{"command_id":"cmd-1"}` {
		t.Fatalf("got = %+v, want the exact stored response", got)
	}
}

func TestGetUnknownKeyMisses(t *testing.T) {
	s := NewStore(0)
	if _, ok := s.Get("ghost"); ok {
		t.Fatal("expected a miss for a key that was never set")
	}
}

func TestZeroTTLFallsBackToDefault(t *testing.T) {
	s := NewStore(0)
	if s.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want DefaultTTL", s.ttl)
	}
}

func TestGetExpiresEntriesPastTTL(t *testing.T) {
	s := NewStore(time.Hour)
	s.cache.Store("key-1", entry{resp: Response{StatusCode: 202}, timestamp: time.Now().Add(-2 * time.Hour)})

	if _, ok := s.Get("key-1"); ok {
		t.Fatal("expected an entry older than the TTL to be evicted")
	}
	if _, ok := s.cache.Load("key-1"); ok {
		t.Fatal("expected Get to delete the expired entry from the underlying map")
	}
}

func TestStartSweepsExpiredEntries(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	s.Set("key-1", Response{StatusCode: 202})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.cache.Load("key-1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the background sweep to evict the expired entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
