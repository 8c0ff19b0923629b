package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	bux "github.com/banksean/bux"
)

// CpCmd copies a file or directory between the host and a VM's guest
// filesystem. The direction is inferred the way docker cp does: whichever
// side of src/dst is prefixed "<vm>:" is the guest side. Both directions
// go over a tar stream so a directory copies as a tree, not just its top
// file.
type CpCmd struct {
	Src string `arg:"" help:"source path; prefix with '<vm>:' to read from the guest"`
	Dst string `arg:"" help:"destination path; prefix with '<vm>:' to write into the guest"`
}

func (c *CpCmd) Run(cctx *Context) error {
	ctx := context.Background()

	srcVM, srcPath, srcIsGuest := splitGuestPath(c.Src)
	dstVM, dstPath, dstIsGuest := splitGuestPath(c.Dst)

	switch {
	case srcIsGuest && dstIsGuest:
		return fmt.Errorf("bux: cp: guest-to-guest copies are not supported")
	case !srcIsGuest && !dstIsGuest:
		return fmt.Errorf("bux: cp: one of src/dst must be a '<vm>:path'")
	case srcIsGuest:
		vm, err := bux.ResolveVm(ctx, cctx.Registry, srcVM)
		if err != nil {
			return err
		}
		tarData, err := vm.CopyOut(ctx, srcPath)
		if err != nil {
			return err
		}
		return untarLocal(dstPath, tarData)
	default:
		vm, err := bux.ResolveVm(ctx, cctx.Registry, dstVM)
		if err != nil {
			return err
		}
		tarData, err := tarLocalPath(srcPath)
		if err != nil {
			return err
		}
		return vm.CopyIn(ctx, dstPath, tarData)
	}
}

func splitGuestPath(s string) (vm, path string, isGuest bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

// tarLocalPath archives a host file or directory into an in-memory tar
// stream, the host-side twin of the guest agent's tarPath.
func tarLocalPath(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("cp: stat %s: %w", path, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	base := filepath.Base(path)
	if !info.IsDir() {
		if err := addLocalTarEntry(tw, path, base, info); err != nil {
			return nil, err
		}
		return buf.Bytes(), tw.Close()
	}

	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}
		return addLocalTarEntry(tw, p, name, fi)
	})
	if err != nil {
		return nil, fmt.Errorf("cp: walk %s: %w", path, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("cp: close tar: %w", err)
	}
	return buf.Bytes(), nil
}

func addLocalTarEntry(tw *tar.Writer, path, name string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("cp: readlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("cp: header %s: %w", path, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("cp: write header %s: %w", path, err)
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cp: open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("cp: write %s: %w", path, err)
		}
	}
	return nil
}

// untarLocal extracts a tar stream under dest on the host, the twin of the
// guest agent's untarTo.
func untarLocal(dest string, data []byte) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("cp: mkdir %s: %w", dest, err)
	}

	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cp: untar: %w", err)
		}

		target := filepath.Join(dest, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("cp: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("cp: mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("cp: create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("cp: write %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("cp: close %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("cp: symlink %s: %w", target, err)
			}
		}
	}
}
