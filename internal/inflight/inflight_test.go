package inflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("fresh counter not at zero")
	}
	c.Inc()
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("waited past non-zero count")
	}
	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	c.Dec()
	c.Dec()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("wait failed")
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return")
	}
	if n := c.Load(); n != 0 {
		t.Fatalf("count = %d", n)
	}
}

func TestMiddlewareDrain(t *testing.T) {
	var c Counter
	seen := int64(-1)
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = c.Load()
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || seen != 1 {
		t.Fatalf("code %d, count during request %d", rr.Code, seen)
	}
	if c.Load() != 0 {
		t.Fatalf("count not released")
	}

	c.StartDrain()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rr.Code)
	}
}
