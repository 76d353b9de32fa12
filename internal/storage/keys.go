package storage

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeKey collapses repeated slashes and strips leading and trailing
// slashes. "." and ".." segments are rejected.
func NormalizeKey(key string) (string, error) {
	parts := strings.Split(key, "/")
	out := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return strings.Join(out, "/"), nil
}

// JoinKey joins key fragments with single slashes, dropping empty fragments.
// Unlike NormalizeKey it never fails; it is used to build prefixes.
func JoinKey(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		for _, seg := range strings.Split(part, "/") {
			if seg == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('/')
			}
			b.WriteString(seg)
		}
	}
	return b.String()
}

// ExpiresAt converts a TTL into an absolute expiry relative to now. A zero TTL
// yields the zero time.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl).UTC()
}

// Expired reports whether an object with the given expiry is gone at now.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// FormatExpiry renders an expiry for metadata-based TTL emulation.
func FormatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseExpiry parses a value produced by FormatExpiry. Empty or malformed
// values yield the zero time (no expiry).
func ParseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
