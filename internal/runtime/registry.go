// Package runtime is the VM registry: sqlite-backed bookkeeping for every
// VM bux has spawned, identifier resolution, and the shim-spawn path that
// hands a VM off to the krunffi-driven child process. No daemon supervises
// these records — each CLI invocation opens the registry fresh and the
// database itself is the coordination point across concurrent invocations,
// the same "open_runtime() per command" shape the distilled CLI used.
package runtime

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"syscall"
	"time"

	"github.com/banksean/bux/internal/dbutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is the lifecycle state of a registered VM.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusExited  Status = "exited"
)

// Record is the persisted row tracking one VM across its lifetime.
type Record struct {
	ID           string
	Name         string
	Status       Status
	PID          int
	CreatedAt    time.Time
	ImageRef     string
	RootfsDigest string
	DiskPath     string
	VsockCID     uint32
	AutoRemove   bool
	DiskOwned    bool // whether Remove should delete DiskPath, vs. a user-supplied disk it didn't create
	ExitCode     *int32
}

// Registry is the sqlite-backed store of VM records, rooted at a single
// database file (conventionally <data dir>/vms.db).
type Registry struct {
	db *sql.DB
}

// Open opens (migrating if necessary) the VM registry at path.
func Open(path string) (*Registry, error) {
	db, err := dbutil.Open(path, migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("registry.open: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the registry's database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Create inserts a new VM record, normally in StatusPending before the
// shim has actually started the guest.
func (r *Registry) Create(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vms (id, name, status, pid, created_at, image_ref, rootfs_digest, disk_path, vsock_cid, auto_remove, disk_owned, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullableText(rec.Name), string(rec.Status), rec.PID, rec.CreatedAt.Format(time.RFC3339),
		rec.ImageRef, rec.RootfsDigest, rec.DiskPath, rec.VsockCID, boolToInt(rec.AutoRemove), boolToInt(rec.DiskOwned), rec.ExitCode,
	)
	if err != nil {
		return fmt.Errorf("registry.create: %w", err)
	}
	return nil
}

// SetStatus updates a VM's status and, for a terminal state, its exit code
// and/or PID.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, pid int, exitCode *int32) error {
	_, err := r.db.ExecContext(ctx, `UPDATE vms SET status = ?, pid = ?, exit_code = ? WHERE id = ?`,
		string(status), pid, exitCode, id)
	if err != nil {
		return fmt.Errorf("registry.set_status: %w", err)
	}
	return nil
}

// Get fetches a VM record by its exact ID.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	return r.scanOne(ctx, `SELECT id, name, status, pid, created_at, image_ref, rootfs_digest, disk_path, vsock_cid, auto_remove, disk_owned, exit_code FROM vms WHERE id = ?`, id)
}

// GetByName fetches a VM record by its exact name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Record, error) {
	return r.scanOne(ctx, `SELECT id, name, status, pid, created_at, image_ref, rootfs_digest, disk_path, vsock_cid, auto_remove, disk_owned, exit_code FROM vms WHERE name = ?`, name)
}

func (r *Registry) scanOne(ctx context.Context, query, arg string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("registry.get: %w", err)
	}
	return rec, nil
}

// List returns every VM the registry knows about, most recently created
// first. Any record still marked Running whose process is no longer alive
// is downgraded to Stopped and persisted before being returned, the same
// "probe and reconcile" pass `bux ps` relies on to notice a VM that died
// without going through Stop/Kill.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, status, pid, created_at, image_ref, rootfs_digest, disk_path, vsock_cid, auto_remove, disk_owned, exit_code FROM vms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry.list: %w", err)
	}

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("registry.list: scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("registry.list: %w", err)
	}
	rows.Close()

	for i := range out {
		if out[i].Status != StatusRunning || ProcessAlive(out[i].PID) {
			continue
		}
		if err := r.SetStatus(ctx, out[i].ID, StatusStopped, out[i].PID, nil); err != nil {
			return nil, fmt.Errorf("registry.list: downgrade %s: %w", out[i].ID, err)
		}
		out[i].Status = StatusStopped
	}
	return out, nil
}

// ProcessAlive reports whether pid names a live process, via the
// zero-signal kill(2) probe: no permission to signal it still counts as
// alive (owned by another user), only ESRCH means it's gone.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Remove deletes a VM record by ID.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry.remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry.remove: no such vm %q", id)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var name sql.NullString
	var createdAt string
	var autoRemove int
	var diskOwned int
	var exitCode sql.NullInt64
	var pid sql.NullInt64
	var vsockCID sql.NullInt64
	if err := s.Scan(&rec.ID, &name, &rec.Status, &pid, &createdAt, &rec.ImageRef, &rec.RootfsDigest, &rec.DiskPath, &vsockCID, &autoRemove, &diskOwned, &exitCode); err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.PID = int(pid.Int64)
	rec.VsockCID = uint32(vsockCID.Int64)
	rec.AutoRemove = autoRemove != 0
	rec.DiskOwned = diskOwned != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if exitCode.Valid {
		v := int32(exitCode.Int64)
		rec.ExitCode = &v
	}
	return &rec, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// idPrefixLen is how many characters of each candidate VM ID Resolve's
// ambiguity error shows, the same width `bux ps` prints — matching the
// short-hash convention the teacher's own container listing used.
const idPrefixLen = 12

func shortID(id string) string {
	if len(id) <= idPrefixLen {
		return id
	}
	return id[:idPrefixLen]
}
