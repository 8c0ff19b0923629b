package ociimage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/banksean/bux/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(ref model.ImageRef, rootfsDigest string, layers ...model.LayerRef) model.ImageRecord {
	return model.ImageRecord{
		Ref:            ref,
		ManifestDigest: digest.FromString("manifest:" + ref.String()),
		Config:         model.ImageConfig{Entrypoint: []string{"/bin/sh"}},
		RootfsDigest:   rootfsDigest,
		Layers:         layers,
		PulledAt:       time.Now().Truncate(time.Second),
	}
}

func TestAtomicWriteBlobIsContentAddressed(t *testing.T) {
	s := openTestStore(t)
	content := []byte("layer contents")
	d := digest.FromBytes(content)

	assert.NilError(t, s.atomicWriteBlob(d, bytes.NewReader(content)))

	got, err := os.ReadFile(s.blobPath(d))
	assert.NilError(t, err)
	assert.Equal(t, string(got), string(content))
}

func TestAtomicWriteBlobRejectsDigestMismatch(t *testing.T) {
	s := openTestStore(t)
	wrong := digest.FromString("not the content below")

	err := s.atomicWriteBlob(wrong, bytes.NewReader([]byte("actual content")))
	assert.ErrorContains(t, err, "digest mismatch")

	entries, err := os.ReadDir(filepath.Join(s.root, "blobs", "sha256"))
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 0, "a failed write must not leave a blob or temp file behind")
}

func TestCommitAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref := model.ImageRef{Repository: "alpine", Tag: "latest"}
	rec := testRecord(ref, "deadbeef", model.LayerRef{Digest: digest.FromString("l1"), DiffID: digest.FromString("d1"), Size: 42})

	assert.NilError(t, s.commitImage(ctx, rec))

	got, err := s.Get(ctx, ref)
	assert.NilError(t, err)
	assert.Equal(t, got.RootfsDigest, "deadbeef")
	assert.DeepEqual(t, got.Config.Entrypoint, []string{"/bin/sh"})
}

func TestRemoveDropsRootfsOnlyWhenUnreferenced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := model.ImageRef{Repository: "shared", Tag: "v1"}
	b := model.ImageRef{Repository: "shared", Tag: "v2"}
	assert.NilError(t, s.commitImage(ctx, testRecord(a, "sharedfs")))
	assert.NilError(t, s.commitImage(ctx, testRecord(b, "sharedfs")))

	assert.NilError(t, os.MkdirAll(s.RootfsPath("sharedfs"), 0o755))

	assert.NilError(t, s.Remove(ctx, a))
	_, err := os.Stat(s.RootfsPath("sharedfs"))
	assert.NilError(t, err, "rootfs should survive while b still references it")

	assert.NilError(t, s.Remove(ctx, b))
	_, err = os.Stat(s.RootfsPath("sharedfs"))
	assert.Assert(t, os.IsNotExist(err), "rootfs should be gone once the last reference is removed")
}

func TestRemoveUnlinksOrphanedLayerBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	layerContent := []byte("orphan me")
	layerDigest := digest.FromBytes(layerContent)
	assert.NilError(t, s.atomicWriteBlob(layerDigest, bytes.NewReader(layerContent)))

	ref := model.ImageRef{Repository: "gone", Tag: "v1"}
	rec := testRecord(ref, "rootfsdigest", model.LayerRef{Digest: layerDigest, DiffID: layerDigest, Size: int64(len(layerContent))})
	assert.NilError(t, s.commitImage(ctx, rec))
	assert.NilError(t, s.Remove(ctx, ref))

	_, err := os.Stat(s.blobPath(layerDigest))
	assert.Assert(t, os.IsNotExist(err), "removing the last image referencing a layer should unlink its blob")
}

func TestRemoveKeepsLayerBlobSharedWithSurvivingImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	layerContent := []byte("shared base layer")
	layerDigest := digest.FromBytes(layerContent)
	assert.NilError(t, s.atomicWriteBlob(layerDigest, bytes.NewReader(layerContent)))
	layer := model.LayerRef{Digest: layerDigest, DiffID: layerDigest, Size: int64(len(layerContent))}

	a := model.ImageRef{Repository: "base", Tag: "v1"}
	b := model.ImageRef{Repository: "derived", Tag: "v1"}
	assert.NilError(t, s.commitImage(ctx, testRecord(a, "rootfs-a", layer)))
	assert.NilError(t, s.commitImage(ctx, testRecord(b, "rootfs-b", layer)))

	assert.NilError(t, s.Remove(ctx, a))
	_, err := os.Stat(s.blobPath(layerDigest))
	assert.NilError(t, err, "layer blob shared with b must survive a's removal")

	assert.NilError(t, s.Remove(ctx, b))
	_, err = os.Stat(s.blobPath(layerDigest))
	assert.Assert(t, os.IsNotExist(err), "layer blob should be unlinked once the last referencing image is removed")
}

func TestCommitReplacingTagReleasesOldLayerRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	oldContent := []byte("old layer")
	oldDigest := digest.FromBytes(oldContent)
	assert.NilError(t, s.atomicWriteBlob(oldDigest, bytes.NewReader(oldContent)))
	oldLayer := model.LayerRef{Digest: oldDigest, DiffID: oldDigest, Size: int64(len(oldContent))}

	ref := model.ImageRef{Repository: "app", Tag: "latest"}
	assert.NilError(t, s.commitImage(ctx, testRecord(ref, "rootfs-old", oldLayer)))

	newContent := []byte("new layer")
	newDigest := digest.FromBytes(newContent)
	assert.NilError(t, s.atomicWriteBlob(newDigest, bytes.NewReader(newContent)))
	newLayer := model.LayerRef{Digest: newDigest, DiffID: newDigest, Size: int64(len(newContent))}

	assert.NilError(t, s.commitImage(ctx, testRecord(ref, "rootfs-new", newLayer)))
	assert.NilError(t, s.Remove(ctx, ref))

	_, err := os.Stat(s.blobPath(oldDigest))
	assert.Assert(t, os.IsNotExist(err), "old layer ref should have been released when the tag was re-committed, so removal unlinks it")
}
