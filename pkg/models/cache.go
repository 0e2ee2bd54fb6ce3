package models

import "time"

// CacheEntry stores a response produced for a fingerprint.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	ModelUsed   string    `json:"model_used"`
	Usage       Usage     `json:"usage"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the entry is older than ttl at now.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.CreatedAt) >= ttl
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}
