package runtime

import (
	"context"
	"strings"
	"testing"
	"time"
)

func mustCreate(t *testing.T, r *Registry, id, name string) {
	t.Helper()
	if err := r.Create(context.Background(), Record{
		ID: id, Name: name, Status: StatusRunning, CreatedAt: time.Now(), ImageRef: "x", RootfsDigest: "y", DiskPath: "z",
	}); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestResolveExactNameWinsOverPrefix(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, "abc123", "abc1")
	mustCreate(t, r, "abc456", "other")

	rec, err := r.Resolve(ctx, "abc1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.ID != "abc123" {
		t.Fatalf("Resolve(%q) = %q, want the exact name match abc123", "abc1", rec.ID)
	}
}

func TestResolveUniquePrefix(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, "abc123", "one")
	mustCreate(t, r, "def456", "two")

	rec, err := r.Resolve(ctx, "abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.ID != "abc123" {
		t.Fatalf("Resolve(abc) = %q, want abc123", rec.ID)
	}
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	mustCreate(t, r, "abc123", "one")
	mustCreate(t, r, "abc456", "two")

	_, err := r.Resolve(ctx, "abc")
	if err == nil {
		t.Fatalf("Resolve(abc) succeeded, want an ambiguous error")
	}
	if !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("error %q does not mention ambiguity", err)
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := openTestRegistry(t)
	if _, err := r.Resolve(context.Background(), "nope"); err == nil {
		t.Fatalf("Resolve(nope) succeeded, want a not-found error")
	}
}
