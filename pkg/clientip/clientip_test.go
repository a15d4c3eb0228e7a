package clientip

import (
	"net/http/httptest"
	"testing"
)

func TestPrefersLeftMostForwardedFor(t *testing.T) {
	req := httptest.NewRequest("POST", "/merge-anonymous", nil)
	req.RemoteAddr = "10.0.0.5:4123"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.5")

	got := Resolver{}.FromRequest(req)
	if got != "203.0.113.7" {
		t.Fatalf("expected left-most forwarded address, got %q", got)
	}
}

func TestFallsBackToPeerAddress(t *testing.T) {
	req := httptest.NewRequest("POST", "/merge-anonymous", nil)
	req.RemoteAddr = "198.51.100.4:9000"

	got := Resolver{}.FromRequest(req)
	if got != "198.51.100.4" {
		t.Fatalf("expected peer address, got %q", got)
	}
}

func TestUnknownWhenNothingUsable(t *testing.T) {
	req := httptest.NewRequest("POST", "/merge-anonymous", nil)
	req.RemoteAddr = "not-an-address"
	req.Header.Set("X-Forwarded-For", "also-not-an-address")

	got := Resolver{}.FromRequest(req)
	if got != Unknown {
		t.Fatalf("expected %q, got %q", Unknown, got)
	}
}

func TestUntrustedPeerCannotSpoofForwardedFor(t *testing.T) {
	rv := Resolver{TrustedProxyCIDRs: ParseCIDRs("10.0.0.0/8")}

	req := httptest.NewRequest("POST", "/merge-anonymous", nil)
	req.RemoteAddr = "198.51.100.4:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := rv.FromRequest(req); got != "198.51.100.4" {
		t.Fatalf("untrusted peer: expected peer address, got %q", got)
	}

	req.RemoteAddr = "10.0.0.5:9000"
	if got := rv.FromRequest(req); got != "203.0.113.7" {
		t.Fatalf("trusted peer: expected forwarded address, got %q", got)
	}
}

func TestRealIPHeaderFallback(t *testing.T) {
	req := httptest.NewRequest("POST", "/merge-anonymous", nil)
	req.RemoteAddr = "10.0.0.5:9000"
	req.Header.Set("X-Real-IP", "203.0.113.9")

	rv := Resolver{}
	if got := rv.FromRequest(req); got != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP address, got %q", got)
	}
}

func TestHashIsSaltedAndStable(t *testing.T) {
	a := Hash("203.0.113.7", []byte("salt"))
	b := Hash("203.0.113.7", []byte("salt"))
	c := Hash("203.0.113.7", []byte("other-salt"))
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("hash ignores salt")
	}
	if a == "203.0.113.7" || len(a) != 64 {
		t.Fatalf("unexpected hash %q", a)
	}
}
