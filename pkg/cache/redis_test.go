package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, &Client{Client: rc}
}

func TestSetGetFingerprintRoundTrip(t *testing.T) {
	_, c := setupTestClient(t)
	ctx := context.Background()

	if err := c.SetFingerprint(ctx, "abc123", []byte(`{"compiled":true}`), time.Minute); err != nil {
		t.Fatalf("SetFingerprint: %v", err)
	}

	got, err := c.GetFingerprint(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetFingerprint: %v", err)
	}
	if string(got) != `{"compiled":true}` {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestGetFingerprintMissReturnsNilNoError(t *testing.T) {
	_, c := setupTestClient(t)
	got, err := c.GetFingerprint(context.Background(), "never-set")
	if err != nil {
		t.Fatalf("expected a cache miss to return a nil error, got: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil value on miss, got %v", got)
	}
}

func TestDeleteFingerprintEvicts(t *testing.T) {
	_, c := setupTestClient(t)
	ctx := context.Background()
	if err := c.SetFingerprint(ctx, "fp1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetFingerprint: %v", err)
	}
	if err := c.DeleteFingerprint(ctx, "fp1"); err != nil {
		t.Fatalf("DeleteFingerprint: %v", err)
	}
	got, err := c.GetFingerprint(ctx, "fp1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected the deleted fingerprint to miss")
	}
}

func TestFingerprintKeyIsNamespaced(t *testing.T) {
	if got, want := FingerprintKey("xyz"), "taskcache:fp:xyz"; got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
}

func TestHealth(t *testing.T) {
	_, c := setupTestClient(t)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected a healthy connection, got: %v", err)
	}
}

func TestFingerprintExpiresWithTTL(t *testing.T) {
	mr, c := setupTestClient(t)
	ctx := context.Background()
	if err := c.SetFingerprint(ctx, "expiring", []byte("v"), time.Second); err != nil {
		t.Fatalf("SetFingerprint: %v", err)
	}
	mr.FastForward(2 * time.Second)

	got, err := c.GetFingerprint(ctx, "expiring")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected the entry to have expired")
	}
}
