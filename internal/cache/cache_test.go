package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRankingsKey(t *testing.T) {
	tests := []struct {
		city        string
		skip, limit int
		want        string
	}{
		{"", 0, 10, "rankings:skip:0:limit:10"},
		{"Bogotá", 10, 10, "rankings:ciudad:bogotá:skip:10:limit:10"},
		{"San José", 0, 5, "rankings:ciudad:san_josé:skip:0:limit:5"},
		{"  ", 0, 5, "rankings:skip:0:limit:5"},
	}
	for _, tt := range tests {
		if got := RankingsKey(tt.city, tt.skip, tt.limit); got != tt.want {
			t.Errorf("RankingsKey(%q, %d, %d) = %q, want %q", tt.city, tt.skip, tt.limit, got, tt.want)
		}
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", []byte("v"), 300*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	now = now.Add(300 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after ttl error = %v, want ErrMiss", err)
	}
}

func TestMemoryCache_InvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	for _, k := range []string{RankingsKey("", 0, 10), RankingsKey("Cali", 0, 10), "videos:1"} {
		_ = c.Set(ctx, k, []byte("x"), time.Minute)
	}

	n, err := c.InvalidatePrefix(ctx, RankingsPrefix)
	if err != nil {
		t.Fatalf("InvalidatePrefix() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Errorf("remaining = %d, want 1", c.Len())
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	type row struct {
		Position int    `json:"position"`
		City     string `json:"city"`
	}

	if err := SetJSON(ctx, c, "k", []row{{1, "Cali"}}, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	var got []row
	if err := GetJSON(ctx, c, "k", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if len(got) != 1 || got[0].City != "Cali" {
		t.Errorf("GetJSON() = %+v", got)
	}
	if err := GetJSON(ctx, c, "absent", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("GetJSON() on absent key error = %v, want ErrMiss", err)
	}
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	c := NewRedisCache(client)
	prefix := "test-" + uuid.NewString()

	for i := 0; i < 250; i++ {
		if err := c.Set(ctx, prefix+":"+uuid.NewString(), []byte("x"), time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if _, err := c.Get(ctx, prefix+":missing"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() error = %v, want ErrMiss", err)
	}

	n, err := c.InvalidatePrefix(ctx, prefix)
	if err != nil {
		t.Fatalf("InvalidatePrefix() error = %v", err)
	}
	if n != 250 {
		t.Errorf("deleted = %d, want 250", n)
	}
}
