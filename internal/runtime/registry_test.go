package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "vms.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	rec := Record{
		ID:           "abc123",
		Name:         "happy-otter",
		Status:       StatusPending,
		CreatedAt:    time.Now().Truncate(time.Second),
		ImageRef:     "alpine:latest",
		RootfsDigest: "deadbeef",
		DiskPath:     "/tmp/abc123.img",
		VsockCID:     101,
	}
	if err := r.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != rec.Name || got.Status != rec.Status || got.VsockCID != rec.VsockCID {
		t.Fatalf("got %+v, want fields matching %+v", got, rec)
	}

	byName, err := r.GetByName(ctx, "happy-otter")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.ID != rec.ID {
		t.Fatalf("GetByName returned id %q, want %q", byName.ID, rec.ID)
	}
}

func TestSetStatusAndExitCode(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	rec := Record{ID: "vm1", Status: StatusPending, CreatedAt: time.Now(), ImageRef: "x", RootfsDigest: "y", DiskPath: "z"}
	if err := r.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	code := int32(7)
	if err := r.SetStatus(ctx, "vm1", StatusExited, 4242, &code); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, err := r.Get(ctx, "vm1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExited || got.PID != 4242 || got.ExitCode == nil || *got.ExitCode != 7 {
		t.Fatalf("got %+v, want status=exited pid=4242 exit_code=7", got)
	}
}

func TestListAndRemove(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"vm1", "vm2"} {
		if err := r.Create(ctx, Record{ID: id, Status: StatusRunning, CreatedAt: time.Now(), ImageRef: "x", RootfsDigest: "y", DiskPath: "z"}); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d records, want 2", len(list))
	}

	if err := r.Remove(ctx, "vm1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(ctx, "vm1"); err == nil {
		t.Fatalf("Get(vm1) succeeded after Remove, want an error")
	}

	if err := r.Remove(ctx, "vm1"); err == nil {
		t.Fatalf("Remove of an already-removed vm should error")
	}
}
