package itemsync

import (
	"context"
	"testing"
	"time"
)

func TestLocalLease_SerializesPerKey(t *testing.T) {
	lease := NewLocalLease()

	release, err := lease.Acquire(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lease.Acquire(ctx, "conn-1"); err == nil {
		t.Fatal("second Acquire() for the same key should time out")
	}

	other, err := lease.Acquire(context.Background(), "conn-2")
	if err != nil {
		t.Fatalf("Acquire() for a different key unexpected error: %v", err)
	}
	other()

	release()
	release() // second call is a no-op

	again, err := lease.Acquire(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Acquire() after release unexpected error: %v", err)
	}
	again()

	lease.mu.Lock()
	defer lease.mu.Unlock()
	if len(lease.slots) != 0 {
		t.Errorf("expected no retained slots, got %d", len(lease.slots))
	}
}
