package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrMiss = errors.New("cache: miss")

// Cache is advisory. Callers treat every error, ErrMiss included, as a
// reason to read from the database instead.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// InvalidatePrefix deletes every key starting with prefix and reports
	// how many were removed.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

func GetJSON(ctx context.Context, c Cache, key string, dest any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

const RankingsPrefix = "rankings"

// RankingsKey derives the cache key for one rankings page. The city is
// lowercased with spaces replaced so "San José" and "san josé" share a key.
func RankingsKey(city string, skip, limit int) string {
	var b strings.Builder
	b.WriteString(RankingsPrefix)
	if city = strings.TrimSpace(city); city != "" {
		b.WriteString(":ciudad:")
		b.WriteString(strings.ReplaceAll(strings.ToLower(city), " ", "_"))
	}
	b.WriteString(":skip:")
	b.WriteString(strconv.Itoa(skip))
	b.WriteString(":limit:")
	b.WriteString(strconv.Itoa(limit))
	return b.String()
}
