// Package ext2fs builds the ext4 disk images bux boots VMs from. It wraps
// the pure-Go compactext4 writer behind the same narrow surface the
// original implementation exposed over libext2fs, including that library's
// operation-name vocabulary in its errors, so the error taxonomy is stable
// across the rewrite even though there is no FFI boundary left to name.
package ext2fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banksean/bux/internal/ext2fs/compactext4"
)

// CreateOptions controls CreateFromDir's image sizing and metadata.
type CreateOptions struct {
	// SizeHint, if nonzero, overrides the computed size estimate.
	SizeHint int64
}

const (
	blockSize4K   = 4096
	journalSize   = 64 << 20  // 64MiB, matches the original's fixed journal allowance
	minimumImage  = 256 << 20 // 256MiB floor regardless of content size
	perInodeBytes = 16 * 1024 // heuristic: budget one inode per 16KiB of content
)

// EstimateImageSize walks dir and returns a size, in bytes, expected to
// comfortably hold its contents plus ext4 metadata overhead: 4KiB block
// rounding, a fixed 64MiB journal, and a 256MiB floor, mirroring
// estimate_image_size from the original e2fs tooling.
func EstimateImageSize(dir string) (int64, error) {
	var total int64
	var fileCount int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += roundUp(info.Size(), blockSize4K)
			fileCount++
		} else {
			fileCount++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ext2fs_estimate: walk %s: %w", dir, err)
	}

	size := total + fileCount*perInodeBytes + journalSize
	if size < minimumImage {
		size = minimumImage
	}
	return size, nil
}

func roundUp(n, mult int64) int64 {
	if n%mult == 0 {
		return n
	}
	return n + (mult - n%mult)
}

// CreateFromDir walks srcDir and writes a new ext4 image to destPath
// containing every regular file, directory, symlink, and character or block
// device node it finds, preserving mode/uid/gid/mtime. Fifos and sockets are
// skipped.
func CreateFromDir(srcDir, destPath string, opts CreateOptions) error {
	w := compactext4.NewWriter()

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("ext2fs_mkdir: relativize %s: %w", p, err)
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("ext2fs_stat: %s: %w", p, err)
		}

		uid, gid := fileOwner(info)
		mode := uint16(info.Mode().Perm())
		st, hasStat := info.Sys().(*syscall.Stat_t)
		if hasStat {
			mode = uint16(st.Mode & 0o7777) // keeps setuid, setgid and sticky
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("ext2fs_symlink: %s: %w", p, err)
			}
			w.AddSymlink(rel, target, uid, gid, info.ModTime())
		case d.IsDir():
			w.AddDirectory(rel, mode, uid, gid, info.ModTime())
		case info.Mode().IsRegular():
			path := p
			w.AddFile(rel, mode, uid, gid, info.Size(), info.ModTime(), func() ([]byte, error) {
				return os.ReadFile(path)
			})
		default:
			// Character and block devices keep their major/minor numbers;
			// fifos and sockets are skipped.
			if !hasStat || info.Mode()&fs.ModeDevice == 0 {
				return nil
			}
			typ := compactext4.TypeBlockDevice
			if info.Mode()&fs.ModeCharDevice != 0 {
				typ = compactext4.TypeCharDevice
			}
			rdev := uint64(st.Rdev)
			w.AddDevice(rel, typ, mode, uid, gid, uint32((rdev>>8)&0xfff|(rdev>>32)&^0xfff), uint32(rdev&0xff|(rdev>>12)&^0xff), info.ModTime())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ext2fs_walk: %w", err)
	}

	size := opts.SizeHint
	if size == 0 {
		size, err = EstimateImageSize(srcDir)
		if err != nil {
			return err
		}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("ext2fs_open: create %s: %w", destPath, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("ext2fs_resize: %s: %w", destPath, err)
	}

	if _, err := w.Flush(f); err != nil {
		return fmt.Errorf("ext2fs_write_new_inode: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ext2fs_flush: %s: %w", destPath, err)
	}
	return nil
}

// InjectFile adds or overwrites a single file in srcDir, the source tree a
// later CreateFromDir builds an image from, creating parent directories as
// needed and setting mode and mtime. compactext4 is a single-pass writer, so
// InjectFile does not modify an image that has already been built; the file
// reaches an image only when CreateFromDir runs over srcDir afterwards.
func InjectFile(srcDir, guestPath string, data []byte, mode uint32, mtime time.Time) error {
	full := filepath.Join(srcDir, filepath.FromSlash(guestPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("ext2fs_mkdir: %s: %w", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, data, os.FileMode(mode)); err != nil {
		return fmt.Errorf("ext2fs_write_new_inode: %s: %w", full, err)
	}
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		return fmt.Errorf("ext2fs_utime: %s: %w", full, err)
	}
	return nil
}

// Check performs a size sanity pass over a built image: it confirms the
// file is at least the 256MiB floor and a whole number of 4KiB blocks. It
// does not read the superblock or any other on-disk structure, and does not
// attempt fsck-grade verification.
func Check(imagePath string) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("ext2fs_open: %s: %w", imagePath, err)
	}
	if info.Size() < minimumImage {
		return fmt.Errorf("ext2fs_check: %s: image smaller than the %d byte floor", imagePath, minimumImage)
	}
	if info.Size()%blockSize4K != 0 {
		return fmt.Errorf("ext2fs_check: %s: size %d is not a multiple of the block size", imagePath, info.Size())
	}
	return nil
}
