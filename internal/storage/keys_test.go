package storage

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "a/b", want: "a/b"},
		{in: "//checkpoints///x/index.json", want: "checkpoints/x/index.json"},
		{in: "/trailing/", want: "trailing"},
		{in: "", err: true},
		{in: "///", err: true},
		{in: "a/../b", err: true},
		{in: "./a", err: true},
	}
	for _, tc := range cases {
		got, err := NormalizeKey(tc.in)
		if tc.err {
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("NormalizeKey(%q) error = %v, want ErrInvalidKey", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJoinKey(t *testing.T) {
	if got := JoinKey("/checkpoints/", "", "id//", "index.json"); got != "checkpoints/id/index.json" {
		t.Fatalf("JoinKey = %q", got)
	}
	if got := JoinKey("", "/"); got != "" {
		t.Fatalf("JoinKey of empty parts = %q", got)
	}
}

func TestExpiryHelpers(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !ExpiresAt(now, 0).IsZero() {
		t.Fatal("zero ttl should not expire")
	}
	exp := ExpiresAt(now, time.Minute)
	if Expired(exp, now) {
		t.Fatal("expired too early")
	}
	if !Expired(exp, now.Add(time.Minute)) {
		t.Fatal("expected expiry at deadline")
	}
	if Expired(time.Time{}, now.Add(100*time.Hour)) {
		t.Fatal("zero expiry must never expire")
	}
	if got := ParseExpiry(FormatExpiry(exp)); !got.Equal(exp) {
		t.Fatalf("round trip = %v, want %v", got, exp)
	}
	if !ParseExpiry("garbage").IsZero() {
		t.Fatal("malformed expiry should parse as zero")
	}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("boom")
	err := NewTransientError(base)
	if !IsTransient(err) || !errors.Is(err, base) {
		t.Fatalf("expected transient wrapping of base, got %v", err)
	}
	if IsTransient(base) {
		t.Fatal("plain error reported transient")
	}
	if NewTransientError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}
