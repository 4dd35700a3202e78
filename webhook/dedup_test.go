package webhook

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestRingDeduper_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	d := NewRingDeduper(3)

	for i := 1; i <= 3; i++ {
		added, err := d.Add(ctx, fmt.Sprintf("id-%d", i))
		if err != nil || !added {
			t.Fatalf("Add(id-%d) = %v, %v", i, added, err)
		}
	}
	if added, _ := d.Add(ctx, "id-2"); added {
		t.Error("re-adding a remembered id should report false")
	}
	if _, err := d.Add(ctx, "id-4"); err != nil {
		t.Fatal(err)
	}
	if seen, _ := d.Contains(ctx, "id-1"); seen {
		t.Error("id-1 should have been evicted")
	}
	for _, id := range []string{"id-2", "id-3", "id-4"} {
		if seen, _ := d.Contains(ctx, id); !seen {
			t.Errorf("%s should still be remembered", id)
		}
	}
	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
}

func TestRingDeduper_DefaultSize(t *testing.T) {
	d := NewRingDeduper(0)
	if len(d.ring) != 50 {
		t.Errorf("default ring size = %d, want 50", len(d.ring))
	}
}

func TestRedisDeduper(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	d, err := NewRedisDeduper(ctx, url, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisDeduper: %v", err)
	}
	defer d.Close()

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	if seen, err := d.Contains(ctx, id); err != nil || seen {
		t.Fatalf("Contains before Add = %v, %v", seen, err)
	}
	if added, err := d.Add(ctx, id); err != nil || !added {
		t.Fatalf("first Add = %v, %v", added, err)
	}
	if added, err := d.Add(ctx, id); err != nil || added {
		t.Fatalf("second Add = %v, %v; want false", added, err)
	}
	if seen, _ := d.Contains(ctx, id); !seen {
		t.Error("Contains after Add = false")
	}
}

func TestNewRedisDeduperBadURL(t *testing.T) {
	if _, err := NewRedisDeduper(context.Background(), "not-a-url", time.Minute); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
