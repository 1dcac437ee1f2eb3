package credentialstore

import (
	"context"
	"testing"
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := New("")
	ctx := context.Background()
	if err := s.Store(ctx, "k1", "secret-value", map[string]string{"scope": "read"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	value, opts, found, err := s.RetrieveWithOptions(ctx, "k1")
	if err != nil {
		t.Fatalf("RetrieveWithOptions: %v", err)
	}
	if !found || value != "secret-value" {
		t.Fatalf("RetrieveWithOptions = (%v, _, %v), want (secret-value, true)", value, found)
	}
	if m, ok := opts.(map[string]string); !ok || m["scope"] != "read" {
		t.Fatalf("RetrieveWithOptions options = %v, want scope=read", opts)
	}
}

func TestRetrieveFallsBackWithoutOptions(t *testing.T) {
	s := New("")
	ctx := context.Background()
	if err := s.Store(ctx, "k1", "v", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	value, found, err := s.Retrieve(ctx, "k1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !found || value != "v" {
		t.Fatalf("Retrieve = (%v, %v), want (v, true)", value, found)
	}
}

func TestInvalidateUnboundKeyIsNoOp(t *testing.T) {
	s := New("")
	if err := s.Invalidate(context.Background(), "never-stored"); err != nil {
		t.Fatalf("Invalidate on unbound key returned error: %v", err)
	}
}

func TestInvalidateRemovesKey(t *testing.T) {
	s := New("")
	ctx := context.Background()
	if err := s.Store(ctx, "k1", "v", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Invalidate(ctx, "k1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	_, found, err := s.Retrieve(ctx, "k1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if found {
		t.Fatalf("key still present after Invalidate")
	}
}

func TestUnavailableStoreFailsOperations(t *testing.T) {
	s := New("")
	s.SetAvailable(false)
	if err := s.Store(context.Background(), "k1", "v", nil); err == nil {
		t.Fatalf("Store on unavailable store succeeded, want error")
	}
}

func TestDeviceBoundByConstruction(t *testing.T) {
	s := New("")
	if !s.IsDeviceBound() {
		t.Fatalf("IsDeviceBound() = false, want true after construction")
	}
	if s.DeviceID() == "" {
		t.Fatalf("DeviceID() is empty")
	}
}
