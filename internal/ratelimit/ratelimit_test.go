package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestAllowUpToLimit(t *testing.T) {
	t.Parallel()

	l := New(time.Minute, map[string]int{"post": 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1", "post") {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if l.Allow("10.0.0.1", "post") {
		t.Fatal("request over the limit should be rejected")
	}

	// A different IP has its own budget.
	if !l.Allow("10.0.0.2", "post") {
		t.Fatal("other IP should be admitted")
	}
}

func TestWindowResetsLazily(t *testing.T) {
	t.Parallel()

	l := New(50*time.Millisecond, map[string]int{"get": 1})
	defer l.Stop()

	if !l.Allow("10.0.0.1", "get") {
		t.Fatal("first request should be admitted")
	}
	if l.Allow("10.0.0.1", "get") {
		t.Fatal("second request in window should be rejected")
	}

	time.Sleep(70 * time.Millisecond)
	if !l.Allow("10.0.0.1", "get") {
		t.Fatal("request after window expiry should be admitted")
	}
}

func TestActionsCountIndependently(t *testing.T) {
	t.Parallel()

	l := New(time.Minute, map[string]int{"post": 1, "get": 1})
	defer l.Stop()

	if !l.Allow("10.0.0.1", "post") {
		t.Fatal("post should be admitted")
	}
	if l.Allow("10.0.0.1", "post") {
		t.Fatal("second post should be rejected")
	}
	if !l.Allow("10.0.0.1", "get") {
		t.Fatal("get budget must not be consumed by post requests")
	}
}

func TestUnknownActionNeverLimited(t *testing.T) {
	t.Parallel()

	l := New(time.Minute, map[string]int{"post": 1})
	defer l.Stop()

	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1", "other") {
			t.Fatalf("unlimited action rejected on request %d", i+1)
		}
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	t.Parallel()

	l := New(time.Minute, map[string]int{"post": 5})
	defer l.Stop()

	l.Allow("10.0.0.1", "post")
	l.Allow("10.0.0.2", "post")

	l.sweep(time.Now().Add(4 * time.Minute))

	l.mu.Lock()
	remaining := len(l.buckets)
	l.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all idle buckets dropped, %d remain", remaining)
	}
}

func TestSweepKeepsLiveBuckets(t *testing.T) {
	t.Parallel()

	l := New(time.Minute, map[string]int{"post": 5})
	defer l.Stop()

	l.Allow("10.0.0.1", "post")
	l.sweep(time.Now().Add(time.Minute))

	l.mu.Lock()
	remaining := len(l.buckets)
	l.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("recently used bucket should survive, %d remain", remaining)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded single", "1.2.3.4", "9.9.9.9:1234", "1.2.3.4"},
		{"forwarded chain", "1.2.3.4, 5.6.7.8", "9.9.9.9:1234", "1.2.3.4"},
		{"forwarded padded", "  1.2.3.4 ,5.6.7.8", "9.9.9.9:1234", "1.2.3.4"},
		{"remote addr", "", "9.9.9.9:1234", "9.9.9.9"},
		{"remote addr no port", "", "9.9.9.9", "9.9.9.9"},
		{"nothing", "", "", "unknown"},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, "/otm/abc", nil)
		if err != nil {
			t.Fatalf("%s: build request: %v", tc.name, err)
		}
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		req.RemoteAddr = tc.remoteAddr

		if got := ClientIP(req); got != tc.want {
			t.Fatalf("%s: ClientIP=%q want %q", tc.name, got, tc.want)
		}
	}
}
