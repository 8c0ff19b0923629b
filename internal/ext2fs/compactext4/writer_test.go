package compactext4

import (
	"os"
	"testing"
	"time"
)

func TestFlushProducesASizedImage(t *testing.T) {
	w := NewWriter()
	now := time.Unix(1700000000, 0)
	w.AddDirectory("etc", 0o755, 0, 0, now)
	w.AddFile("etc/hostname", 0o644, 0, 0, 5, now, func() ([]byte, error) {
		return []byte("bux\n\n"), nil
	})
	w.AddSymlink("bin", "usr/bin", 0, 0, now)
	w.AddDirectory("usr/bin", 0o755, 0, 0, now)

	f, err := os.CreateTemp(t.TempDir(), "image-*.ext4")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	size, err := w.Flush(f)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if size < BlockSize {
		t.Fatalf("got size %d, want at least one block", size)
	}
	if size%BlockSize != 0 {
		t.Fatalf("size %d is not block-aligned", size)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != size {
		t.Fatalf("file size %d does not match Flush's reported size %d", info.Size(), size)
	}
}

func TestIndirectBlockCount(t *testing.T) {
	tests := map[string]struct {
		blocks int
		want   int
	}{
		"fits in direct pointers": {blocks: 5, want: 0},
		"exactly 12 direct":       {blocks: 12, want: 0},
		"needs single indirect":   {blocks: 13, want: 1},
		"fills single indirect":   {blocks: 12 + pointersPerBlock, want: 1},
		"needs double indirect":   {blocks: 12 + pointersPerBlock + 1, want: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := indirectBlockCount(tc.blocks); got != tc.want {
				t.Fatalf("indirectBlockCount(%d) = %d, want %d", tc.blocks, got, tc.want)
			}
		})
	}
}

func TestRemoveDeletesDescendants(t *testing.T) {
	w := NewWriter()
	now := time.Now()
	w.AddDirectory("a", 0o755, 0, 0, now)
	w.AddDirectory("a/b", 0o755, 0, 0, now)
	w.AddFile("a/b/c.txt", 0o644, 0, 0, 1, now, func() ([]byte, error) { return []byte("x"), nil })

	w.Remove("a")

	if _, ok := w.nodes["a"]; ok {
		t.Fatal("expected \"a\" to be removed")
	}
	if _, ok := w.nodes["a/b/c.txt"]; ok {
		t.Fatal("expected descendant \"a/b/c.txt\" to be removed")
	}
}
