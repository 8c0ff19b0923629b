package ociimage

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
)

func writeLayer(t *testing.T, dir string, files map[string]string) layerContent {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if content != "" {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}

	d := digest.FromBytes(buf.Bytes())
	path := filepath.Join(dir, d.Encoded())
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return layerContent{digest: d, path: path}
}

func TestExtractLayersAppliesWhiteouts(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rootfs"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := &Store{root: root}

	base := writeLayer(t, root, map[string]string{
		"etc/hostname": "base\n",
		"etc/motd":     "hello\n",
	})
	top := writeLayer(t, root, map[string]string{
		"etc/hostname":  "top\n",
		"etc/.wh.motd":  "",
	})

	rootfsDigest, err := extractLayers(s, []layerContent{base, top})
	if err != nil {
		t.Fatalf("extractLayers: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.RootfsPath(rootfsDigest), "etc", "hostname"))
	if err != nil {
		t.Fatalf("read hostname: %v", err)
	}
	if string(data) != "top\n" {
		t.Fatalf("hostname = %q, want the top layer's content", data)
	}

	if _, err := os.Stat(filepath.Join(s.RootfsPath(rootfsDigest), "etc", "motd")); !os.IsNotExist(err) {
		t.Fatalf("motd should have been removed by the whiteout, stat err = %v", err)
	}
}

func TestExtractLayersOpaqueWhiteoutClearsDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rootfs"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := &Store{root: root}

	base := writeLayer(t, root, map[string]string{
		"data/a": "a\n",
		"data/b": "b\n",
	})
	top := writeLayer(t, root, map[string]string{
		"data/.wh..wh..opq": "",
		"data/c":             "c\n",
	})

	rootfsDigest, err := extractLayers(s, []layerContent{base, top})
	if err != nil {
		t.Fatalf("extractLayers: %v", err)
	}

	dataDir := filepath.Join(s.RootfsPath(rootfsDigest), "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c" {
		t.Fatalf("data/ = %v, want only [c] after the opaque whiteout", entries)
	}
}

func TestExtractLayersIsIdempotentForTheSameStack(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rootfs"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := &Store{root: root}
	layer := writeLayer(t, root, map[string]string{"f": "x\n"})

	first, err := extractLayers(s, []layerContent{layer})
	if err != nil {
		t.Fatalf("extractLayers (1st): %v", err)
	}
	second, err := extractLayers(s, []layerContent{layer})
	if err != nil {
		t.Fatalf("extractLayers (2nd): %v", err)
	}
	if first != second {
		t.Fatalf("chain id changed between identical pulls: %s vs %s", first, second)
	}
}
