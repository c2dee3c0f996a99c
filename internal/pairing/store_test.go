package pairing

import (
	"errors"
	"testing"
)

func TestUpsertRequestReusesPendingCode(t *testing.T) {
	store := NewStore(t.TempDir())

	code1, created1, err := store.UpsertRequest("gateway", "device-1", map[string]string{"name": "Alice"})
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}
	if !created1 {
		t.Fatal("expected first request to be created")
	}
	if len(code1) != CodeLength {
		t.Fatalf("code length = %d, want %d", len(code1), CodeLength)
	}

	code2, created2, err := store.UpsertRequest("gateway", "device-1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}
	if created2 {
		t.Fatal("expected second request to reuse the pending one")
	}
	if code1 != code2 {
		t.Fatalf("expected same code, got %q and %q", code1, code2)
	}
}

func TestApproveCodeMovesToAllowlist(t *testing.T) {
	store := NewStore(t.TempDir())

	code, _, err := store.UpsertRequest("gateway", "device-2", nil)
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}

	id, req, err := store.ApproveCode("gateway", code)
	if err != nil {
		t.Fatalf("ApproveCode() error = %v", err)
	}
	if id != "device-2" || req == nil {
		t.Fatalf("ApproveCode() = %q, %+v", id, req)
	}

	allowed, err := store.IsAllowed("gateway", "device-2")
	if err != nil {
		t.Fatalf("IsAllowed() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected device-2 on the allowlist after approval")
	}

	pending, err := store.ListRequests("gateway")
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(pending))
	}
}

func TestDenyCodeRemovesPendingOnly(t *testing.T) {
	store := NewStore(t.TempDir())

	code, _, err := store.UpsertRequest("gateway", "device-3", nil)
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}

	id, err := store.DenyCode("gateway", code)
	if err != nil {
		t.Fatalf("DenyCode() error = %v", err)
	}
	if id != "device-3" {
		t.Fatalf("DenyCode() id = %q", id)
	}

	allowed, err := store.IsAllowed("gateway", "device-3")
	if err != nil {
		t.Fatalf("IsAllowed() error = %v", err)
	}
	if allowed {
		t.Fatal("denied device must not land on the allowlist")
	}

	pending, err := store.ListRequests("gateway")
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(pending))
	}
}

func TestApproveUnknownCode(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, _, err := store.ApproveCode("gateway", "NOPE1234"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if _, err := store.DenyCode("gateway", "NOPE1234"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestRealmsAreIsolated(t *testing.T) {
	store := NewStore(t.TempDir())

	code, _, err := store.UpsertRequest("gateway", "device-4", nil)
	if err != nil {
		t.Fatalf("UpsertRequest() error = %v", err)
	}
	if _, _, err := store.ApproveCode("gateway", code); err != nil {
		t.Fatalf("ApproveCode() error = %v", err)
	}

	allowed, err := store.IsAllowed("edge", "device-4")
	if err != nil {
		t.Fatalf("IsAllowed() error = %v", err)
	}
	if allowed {
		t.Fatal("allowlists must be scoped per realm")
	}
}

func TestInvalidRealmRejected(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, _, err := store.UpsertRequest("  ", "device-5", nil); !errors.Is(err, ErrInvalidRealm) {
		t.Fatalf("expected ErrInvalidRealm for blank realm, got %v", err)
	}
	if _, _, err := store.UpsertRequest("/", "device-5", nil); !errors.Is(err, ErrInvalidRealm) {
		t.Fatalf("expected ErrInvalidRealm for separator-only realm, got %v", err)
	}
}

func TestAllowlistAddRemove(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.AddToAllowlist("gateway", "device-6"); err != nil {
		t.Fatalf("AddToAllowlist() error = %v", err)
	}
	allowed, _ := store.IsAllowed("gateway", "device-6")
	if !allowed {
		t.Fatal("expected device-6 allowed")
	}

	if err := store.RemoveFromAllowlist("gateway", "device-6"); err != nil {
		t.Fatalf("RemoveFromAllowlist() error = %v", err)
	}
	allowed, _ = store.IsAllowed("gateway", "device-6")
	if allowed {
		t.Fatal("expected device-6 removed")
	}
}
