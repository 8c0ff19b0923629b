package ociimage

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
)

type layerContent struct {
	digest digest.Digest
	path   string
}

const whiteoutPrefix = ".wh."
const opaqueWhiteout = ".wh..wh..opq"

// extractLayers materializes contents (base layer first) into a staging
// directory, applies OCI whiteout semantics as each layer is unpacked, then
// atomically renames the finished tree into the store's rootfs area keyed
// by the layer stack's chain ID — the same content address two images
// sharing a base image will independently arrive at, so their rootfs is
// stored and extracted exactly once.
func extractLayers(s *Store, contents []layerContent) (string, error) {
	chainID := computeChainID(contents)
	final := s.RootfsPath(chainID)
	if _, err := os.Stat(final); err == nil {
		return chainID, nil // already extracted by a prior pull sharing this stack
	}

	staging, err := os.MkdirTemp(filepath.Join(s.root, "rootfs"), ".staging-*")
	if err != nil {
		return "", fmt.Errorf("extract: stage dir: %w", err)
	}
	defer os.RemoveAll(staging) // no-op once the rename below succeeds

	for _, c := range contents {
		if err := applyLayer(staging, c.path); err != nil {
			return "", fmt.Errorf("extract: apply layer %s: %w", c.digest, err)
		}
	}

	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("extract: commit rootfs: %w", err)
	}
	return chainID, nil
}

func computeChainID(contents []layerContent) string {
	if len(contents) == 0 {
		return "empty"
	}
	cur := contents[0].digest.Encoded()
	for _, c := range contents[1:] {
		h := sha256.Sum256([]byte(cur + " " + c.digest.Encoded()))
		cur = fmt.Sprintf("%x", h)
	}
	return cur
}

// applyLayer unpacks one gzip-compressed tar layer onto root, honoring OCI
// whiteouts: a ".wh.<name>" entry deletes "<name>" from a lower layer, and
// ".wh..wh..opq" in a directory clears everything a lower layer put there
// before this layer's own entries are applied.
func applyLayer(root, blobPath string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	written := make(map[string]bool) // paths this layer has already put down
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		base := filepath.Base(name)
		dir := filepath.Dir(name)

		if base == opaqueWhiteout {
			if err := clearDir(filepath.Join(root, dir), dir, written); err != nil {
				return fmt.Errorf("opaque whiteout %s: %w", dir, err)
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := filepath.Join(root, dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("whiteout %s: %w", target, err)
			}
			continue
		}

		dest := filepath.Join(root, name)
		if err := writeEntry(dest, hdr, tr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for p := name; p != "." && p != "/"; p = filepath.Dir(p) {
			written[p] = true
		}
	}
}

// clearDir empties dir (rel is its path inside the layer), keeping the
// entries the current layer has already written. A subdirectory the current
// layer has already written into is kept whole, lower-layer files included.
func clearDir(dir, rel string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keep[filepath.Join(rel, e.Name())] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(dest string, hdr *tar.Header, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode))
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, r); err != nil {
			return err
		}
		return os.Chtimes(dest, hdr.AccessTime, hdr.ModTime)
	case tar.TypeSymlink:
		os.Remove(dest)
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeLink:
		return os.Link(filepath.Join(filepath.Dir(dest), filepath.Base(hdr.Linkname)), dest)
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device/FIFO nodes: bux's rootfs images don't rely on special
		// files outside /dev, which the VMM populates at boot, so these
		// entries are skipped: nothing is created for them on the host
		// extraction filesystem (which may not permit mknod unprivileged anyway).
		return nil
	default:
		return nil
	}
}
