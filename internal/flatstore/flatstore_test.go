package flatstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flat.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, found, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got != "v1" {
		t.Fatalf("Get = (%q, %v), want (v1, true)", got, found)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("Get reported found for a key never written")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("key still present after Delete")
	}
}

func TestGetAllExcludesProbeKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "visible", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ProbeWrite(ctx, "tx-1"); err != nil {
		t.Fatalf("ProbeWrite: %v", err)
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if _, ok := all["visible"]; !ok {
		t.Fatalf("GetAll missing visible key: %v", all)
	}
	for k := range all {
		if len(k) >= len(probeKeyPrefix) && k[:len(probeKeyPrefix)] == probeKeyPrefix {
			t.Fatalf("GetAll leaked probe key %q", k)
		}
	}
}

func TestProbeWriteLeavesNoResidue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProbeWrite(ctx, "tx-2"); err != nil {
		t.Fatalf("ProbeWrite: %v", err)
	}
	_, found, err := s.Get(ctx, probeKeyPrefix+"tx-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("probe key still present after ProbeWrite returned")
	}
}
