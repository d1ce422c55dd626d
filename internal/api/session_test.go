package api

import (
	"strings"
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	v := sessionValue("secret", now)

	if parts := strings.Split(v, ":"); len(parts) != 3 {
		t.Fatalf("value = %q, want three segments", v)
	}
	if !verifySession(v, "secret", now) {
		t.Error("freshly minted session must verify")
	}
	if !verifySession(v, "secret", now.Add(29*24*time.Hour)) {
		t.Error("session must stay valid inside 30 days")
	}
}

func TestSessionRejectsTampering(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	v := sessionValue("secret", now)

	if verifySession(v, "other-secret", now) {
		t.Error("wrong secret must not verify")
	}
	if verifySession(v+"0", "secret", now) {
		t.Error("modified signature must not verify")
	}

	// Rewriting the timestamp invalidates the signature.
	parts := strings.Split(v, ":")
	forged := "9999999999:" + parts[1] + ":" + parts[2]
	if verifySession(forged, "secret", now) {
		t.Error("forged timestamp must not verify")
	}
	if verifySession("garbage", "secret", now) {
		t.Error("malformed value must not verify")
	}
}

func TestSessionExpires(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	v := sessionValue("secret", now)

	if verifySession(v, "secret", now.Add(31*24*time.Hour)) {
		t.Error("session past 30 days must expire")
	}
	// A timestamp from the future is not acceptable either.
	future := sessionValue("secret", now.Add(48*time.Hour))
	if verifySession(future, "secret", now) {
		t.Error("future-dated session must not verify")
	}
}
