// Package ociimage is the content-addressed OCI image cache: pulling
// manifests and layers from a real registry, extracting them into
// deduplicated rootfs trees, and indexing both in sqlite so a crash mid-pull
// never leaves a reference to a half-written blob.
package ociimage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	digest "github.com/opencontainers/go-digest"

	"github.com/banksean/bux/internal/dbutil"
	"github.com/banksean/bux/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the on-disk image cache rooted at a single directory:
//
//	<root>/blobs/sha256/<hex>   raw layer/config/manifest blobs, ref-counted
//	<root>/rootfs/<digest>/     extracted, deduplicated directory trees
//	<root>/index.db             sqlite index over both
type Store struct {
	root string
	db   *sql.DB
}

// Open opens (creating if necessary) the image store rooted at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"blobs/sha256", "rootfs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store.open: mkdir %s: %w", sub, err)
		}
	}
	db, err := dbutil.Open(filepath.Join(dir, "index.db"), migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store.open: %w", err)
	}
	return &Store{root: dir, db: db}, nil
}

// Close releases the store's database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", "sha256", d.Encoded())
}

// RootfsPath returns the extracted rootfs directory for a given digest,
// whether or not it has actually been extracted yet.
func (s *Store) RootfsPath(rootfsDigest string) string {
	return filepath.Join(s.root, "rootfs", rootfsDigest)
}

// atomicWriteBlob writes r's content to the store's blob area under its own
// sha256 digest, verifying the digest matches what the caller expected.
// Writes go to a temp file in the same directory, fsynced, then renamed
// into place — so a crash mid-write is never visible as a partially written
// blob at its final path.
func (s *Store) atomicWriteBlob(want digest.Digest, r io.Reader) error {
	dir := filepath.Join(s.root, "blobs", "sha256")
	tmp, err := os.CreateTemp(dir, ".tmp-blob-*")
	if err != nil {
		return fmt.Errorf("store.atomic_write: tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		tmp.Close()
		return fmt.Errorf("store.atomic_write: copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store.atomic_write: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store.atomic_write: close: %w", err)
	}

	got := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h.Sum(nil)))
	if want != "" && got != want {
		return fmt.Errorf("store.atomic_write: digest mismatch: want %s, got %s", want, got)
	}

	dest := s.blobPath(got)
	if _, err := os.Stat(dest); err == nil {
		return nil // already present, identical content by digest construction
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("store.atomic_write: rename: %w", err)
	}
	return nil
}

// commitImage records a pulled image's manifest/config/layers/rootfs digest
// in a single transaction, so the index never points at a manifest whose
// layers weren't fully committed. Layer rows are deduplicated by digest
// and ref-counted across every image that references them: re-pulling an
// existing (repository, tag, digest) onto a new manifest first releases
// its old layer references before attaching the new ones, so the count
// never drifts across repeated pulls of the same tag.
func (s *Store) commitImage(ctx context.Context, rec model.ImageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.commit: begin: %w", err)
	}
	defer tx.Rollback()

	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("store.commit: marshal config: %w", err)
	}

	oldLayers, err := queryImageLayers(ctx, tx, rec.Ref)
	if err != nil {
		return fmt.Errorf("store.commit: %w", err)
	}
	var orphanedOldLayers []string
	if len(oldLayers) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM image_layers WHERE repository=? AND tag=? AND digest=?`,
			rec.Ref.Repository, rec.Ref.Tag, rec.Ref.Digest.String()); err != nil {
			return fmt.Errorf("store.commit: clear old image_layers: %w", err)
		}
		if err := decrementLayerRefs(ctx, tx, oldLayers); err != nil {
			return fmt.Errorf("store.commit: %w", err)
		}
		orphanedOldLayers, err = deleteZeroRefLayers(ctx, tx, oldLayers)
		if err != nil {
			return fmt.Errorf("store.commit: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO images (repository, tag, digest, manifest_digest, config_json, rootfs_digest, pulled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, tag, digest) DO UPDATE SET
			manifest_digest=excluded.manifest_digest,
			config_json=excluded.config_json,
			rootfs_digest=excluded.rootfs_digest,
			pulled_at=excluded.pulled_at`,
		rec.Ref.Repository, rec.Ref.Tag, rec.Ref.Digest.String(),
		rec.ManifestDigest.String(), string(cfgJSON), rec.RootfsDigest, rec.PulledAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store.commit: upsert image: %w", err)
	}

	for i, l := range rec.Layers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO layers (digest, diff_id, size, ref_count) VALUES (?, ?, ?, 1)
			ON CONFLICT(digest) DO UPDATE SET ref_count = ref_count + 1`,
			l.Digest.String(), l.DiffID.String(), l.Size,
		); err != nil {
			return fmt.Errorf("store.commit: upsert layer: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO image_layers (repository, tag, digest, layer_digest, position) VALUES (?, ?, ?, ?, ?)`,
			rec.Ref.Repository, rec.Ref.Tag, rec.Ref.Digest.String(), l.Digest.String(), i,
		); err != nil {
			return fmt.Errorf("store.commit: insert image_layers: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rootfs (digest, ref_count, created_at) VALUES (?, 1, ?)
		ON CONFLICT(digest) DO UPDATE SET ref_count = ref_count + 1`,
		rec.RootfsDigest, rec.PulledAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("store.commit: bump rootfs refcount: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.commit: commit: %w", err)
	}

	return unlinkLayerBlobs(s, orphanedOldLayers)
}

// queryImageLayers returns the layer digests currently attached to ref via
// image_layers, in encounter order.
func queryImageLayers(ctx context.Context, tx *sql.Tx, ref model.ImageRef) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT layer_digest FROM image_layers WHERE repository=? AND tag=? AND digest=?`,
		ref.Repository, ref.Tag, ref.Digest.String())
	if err != nil {
		return nil, fmt.Errorf("query image layers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan image layer: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decrementLayerRefs(ctx context.Context, tx *sql.Tx, digests []string) error {
	for _, d := range digests {
		if _, err := tx.ExecContext(ctx, `UPDATE layers SET ref_count = ref_count - 1 WHERE digest = ?`, d); err != nil {
			return fmt.Errorf("decrement layer ref %s: %w", d, err)
		}
	}
	return nil
}

// deleteZeroRefLayers drops the layers rows among digests whose ref_count
// has reached zero and returns which ones were dropped, so the caller can
// unlink their blobs once the transaction committing the drop has landed.
func deleteZeroRefLayers(ctx context.Context, tx *sql.Tx, digests []string) ([]string, error) {
	var orphaned []string
	for _, d := range digests {
		var refCount int
		if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM layers WHERE digest = ?`, d).Scan(&refCount); err != nil {
			return nil, fmt.Errorf("read layer refcount %s: %w", d, err)
		}
		if refCount > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM layers WHERE digest = ?`, d); err != nil {
			return nil, fmt.Errorf("delete layer row %s: %w", d, err)
		}
		orphaned = append(orphaned, d)
	}
	return orphaned, nil
}

// unlinkLayerBlobs removes each digest's blob from disk, collecting failures
// so one missing or locked file never stops the rest from being cleaned up.
func unlinkLayerBlobs(s *Store, digests []string) error {
	var errs *multierror.Error
	for _, raw := range digests {
		d, err := digest.Parse(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("parse digest %q: %w", raw, err))
			continue
		}
		if err := os.Remove(s.blobPath(d)); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("unlink blob %s: %w", d, err))
		}
	}
	return errs.ErrorOrNil()
}

// Get looks up a previously pulled image's record by reference. It returns
// sql.ErrNoRows (wrapped) if not found.
func (s *Store) Get(ctx context.Context, ref model.ImageRef) (*model.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT manifest_digest, config_json, rootfs_digest, pulled_at
		FROM images WHERE repository = ? AND tag = ? AND digest = ?`,
		ref.Repository, ref.Tag, ref.Digest.String(),
	)
	var manifestDigest, cfgJSON, rootfsDigest, pulledAt string
	if err := row.Scan(&manifestDigest, &cfgJSON, &rootfsDigest, &pulledAt); err != nil {
		return nil, fmt.Errorf("store.get: %w", err)
	}
	var cfg model.ImageConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, fmt.Errorf("store.get: unmarshal config: %w", err)
	}
	t, _ := time.Parse(time.RFC3339, pulledAt)
	d, err := digest.Parse(manifestDigest)
	if err != nil {
		return nil, fmt.Errorf("store.get: parse manifest digest: %w", err)
	}
	return &model.ImageRecord{Ref: ref, ManifestDigest: d, Config: cfg, RootfsDigest: rootfsDigest, PulledAt: t}, nil
}

// List returns every image the index knows about.
func (s *Store) List(ctx context.Context) ([]model.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repository, tag, digest, manifest_digest, config_json, rootfs_digest, pulled_at FROM images ORDER BY repository, tag`)
	if err != nil {
		return nil, fmt.Errorf("store.list: %w", err)
	}
	defer rows.Close()

	var out []model.ImageRecord
	for rows.Next() {
		var repo, tag, dig, manifestDigest, cfgJSON, rootfsDigest, pulledAt string
		if err := rows.Scan(&repo, &tag, &dig, &manifestDigest, &cfgJSON, &rootfsDigest, &pulledAt); err != nil {
			return nil, fmt.Errorf("store.list: scan: %w", err)
		}
		var cfg model.ImageConfig
		_ = json.Unmarshal([]byte(cfgJSON), &cfg)
		t, _ := time.Parse(time.RFC3339, pulledAt)
		d, _ := digest.Parse(manifestDigest)
		ref := model.ImageRef{Repository: repo, Tag: tag}
		if dig != "" {
			ref.Digest = digest.Digest(dig)
		}
		out = append(out, model.ImageRecord{Ref: ref, ManifestDigest: d, Config: cfg, RootfsDigest: rootfsDigest, PulledAt: t})
	}
	return out, rows.Err()
}

// Remove deletes an image's index row and synchronously garbage-collects
// anything that was only kept alive by it: each layer digest it referenced
// has its ref_count decremented, with any that drop to zero dropped from
// layers and unlinked from disk, and the same ref-counted treatment applies
// to the rootfs directory. A layer digest shared with a surviving image
// keeps its row and blob — ref_count lives on the layer itself, not scoped
// to any one manifest, so two images sharing a base layer never race each
// other's GC.
func (s *Store) Remove(ctx context.Context, ref model.ImageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.remove: begin: %w", err)
	}
	defer tx.Rollback()

	var rootfsDigest string
	row := tx.QueryRowContext(ctx, `SELECT rootfs_digest FROM images WHERE repository=? AND tag=? AND digest=?`,
		ref.Repository, ref.Tag, ref.Digest.String())
	if err := row.Scan(&rootfsDigest); err != nil {
		return fmt.Errorf("store.remove: %w", err)
	}

	layerDigests, err := queryImageLayers(ctx, tx, ref)
	if err != nil {
		return fmt.Errorf("store.remove: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE repository=? AND tag=? AND digest=?`,
		ref.Repository, ref.Tag, ref.Digest.String()); err != nil {
		return fmt.Errorf("store.remove: delete image: %w", err)
	}
	// image_layers rows for ref are gone too, via ON DELETE CASCADE.

	if err := decrementLayerRefs(ctx, tx, layerDigests); err != nil {
		return fmt.Errorf("store.remove: %w", err)
	}
	orphanedLayers, err := deleteZeroRefLayers(ctx, tx, layerDigests)
	if err != nil {
		return fmt.Errorf("store.remove: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE rootfs SET ref_count = ref_count - 1 WHERE digest = ?`, rootfsDigest)
	if err != nil {
		return fmt.Errorf("store.remove: decrement rootfs refcount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store.remove: rootfs %s had no refcount row", rootfsDigest)
	}
	var rootfsRefCount int
	if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM rootfs WHERE digest = ?`, rootfsDigest).Scan(&rootfsRefCount); err != nil {
		return fmt.Errorf("store.remove: read rootfs refcount: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.remove: commit: %w", err)
	}

	var errs *multierror.Error
	errs = multierror.Append(errs, unlinkLayerBlobs(s, orphanedLayers))
	if rootfsRefCount <= 0 {
		if err := os.RemoveAll(s.RootfsPath(rootfsDigest)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("store.remove: rmdir rootfs: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
