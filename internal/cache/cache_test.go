package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newDisabled(t *testing.T) *Cache {
	t.Helper()
	c, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error for disabled cache, got %v", err)
	}
	return c
}

func TestCacheDisabled(t *testing.T) {
	c := newDisabled(t)
	ctx := context.Background()

	if c.IsEnabled() {
		t.Error("Expected cache to be disabled")
	}

	var dest []string
	if err := c.Get(ctx, "suggestions:tx:1", &dest); !IsMiss(err) {
		t.Errorf("Expected miss, got %v", err)
	}
	if err := c.Set(ctx, "suggestions:tx:1", []string{"a"}, TTLSuggestions); err != nil {
		t.Errorf("Expected Set to be a no-op, got %v", err)
	}
	if err := c.Delete(ctx, "a", "b"); err != nil {
		t.Errorf("Expected Delete to be a no-op, got %v", err)
	}
	if err := c.DeletePattern(ctx, "suggestions:*"); err != nil {
		t.Errorf("Expected DeletePattern to be a no-op, got %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Expected Ping to succeed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected Close to succeed, got %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	c := &Cache{keyPrefix: "bankrecon"}

	tests := []struct {
		parts    []string
		expected string
	}{
		{[]string{"suggestions:abc:3"}, "bankrecon:suggestions:abc:3"},
		{[]string{"lock", "reconcile:abc"}, "bankrecon:lock:reconcile:abc"},
		{nil, "bankrecon"},
	}

	for _, tt := range tests {
		if got := c.key(tt.parts...); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestDefaultPrefix(t *testing.T) {
	c := newDisabled(t)
	if c.keyPrefix != "bankrecon" {
		t.Errorf("Expected default prefix bankrecon, got %s", c.keyPrefix)
	}
}

func TestLocker_Disabled(t *testing.T) {
	l := newDisabled(t).Locker(0)
	if l.ttl != TTLLock {
		t.Errorf("Expected default TTL %v, got %v", TTLLock, l.ttl)
	}
	if _, err := l.Lock(context.Background(), "k"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestLocker_TTL(t *testing.T) {
	l := newDisabled(t).Locker(time.Minute)
	if l.ttl != time.Minute {
		t.Errorf("Expected 1m, got %v", l.ttl)
	}
}
