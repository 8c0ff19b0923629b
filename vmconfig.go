package bux

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/banksean/bux/internal/ext2fs"
	"github.com/banksean/bux/internal/ociimage"
	"github.com/banksean/bux/internal/runtime"
)

// VmBuilder assembles everything CreateVm needs: an image reference, CLI
// overrides layered over the image's own config, and the resource shape
// the VM boots with.
type VmBuilder struct {
	Image   string
	Argv    []string // overrides ImageConfig.Entrypoint/Cmd when non-empty
	Env     []string // appended to ImageConfig.Env
	Workdir string   // overrides ImageConfig.Workdir when non-empty
	Name    string   // auto-generated when empty
	VCPUs   uint8
	RAMMiB  uint32

	// RootDir, when set, is used as the VM's root directly instead of the
	// ext4 disk bux would otherwise build from the pulled image's rootfs.
	// RootDiskPath, when set, is a pre-built disk image used as the root
	// disk instead. At most one of RootDir/RootDiskPath may be set; when
	// neither is, CreateVm builds and owns an ext4 disk from the image.
	RootDir      string
	RootDiskPath string
	ExtraDisks   []runtime.Disk

	Ports          []string
	VirtiofsShares []runtime.VirtiofsShare
	Rlimits        []string
	NestedVirt     bool
	SndDevice      bool
	ConsoleOutput  string
	LogLevel       uint32

	AutoRemove bool
}

// Runner is the set of collaborators CreateVm needs: an opened image
// store, an opened VM registry, a kernel image path (copied into each
// SpawnConfig; the shim does not pass it to libkrun), and the shim binary
// path. cmd/bux wires concrete instances of these together
// once per invocation.
type Runner struct {
	Images     *ociimage.Store
	Registry   *runtime.Registry
	KernelPath string
	DataDir    string
	Spawner    runtime.Spawner
}

var nameGen = namegenerator.NewNameGenerator(1)

// CreateVm resolves b.Image (pulling it if necessary), builds a disk image
// from its rootfs, registers a pending VM record, and spawns the shim that
// will actually start it. It returns once the shim process exists, not
// once the guest has finished booting — callers that need the guest ready
// dial hostclient.Dial and retry Ping.
func (r *Runner) CreateVm(ctx context.Context, b VmBuilder) (*VmRecord, error) {
	ref, err := ParseImageRef(b.Image)
	if err != nil {
		return nil, err
	}

	cfg, rootfsDigest, err := r.Images.Ensure(ctx, ref, ociimage.PullOptions{})
	if err != nil {
		return nil, Wrap("runtime.create_vm", ErrRegistry, err)
	}

	argv := b.Argv
	if len(argv) == 0 {
		argv = append(append([]string{}, cfg.Entrypoint...), cfg.Cmd...)
	}
	if len(argv) == 0 {
		return nil, Wrap("runtime.create_vm", ErrInvalidPath, fmt.Errorf("image %s has no entrypoint or cmd, and none was given", ref))
	}
	workdir := b.Workdir
	if workdir == "" {
		workdir = cfg.Workdir
	}
	env := append(append([]string{}, cfg.Env...), b.Env...)

	var idBytes [6]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, Wrap("runtime.create_vm", ErrIo, err)
	}
	id := hex.EncodeToString(idBytes[:])
	name := b.Name
	if name == "" {
		name = nameGen.Generate()
	}

	rootfsDir := r.Images.RootfsPath(rootfsDigest)

	// Exactly one of a directory root or a root disk backs the VM. A
	// user-supplied RootDir or RootDiskPath is used as given and is never
	// deleted by Remove; absent both, bux builds and owns an ext4 disk
	// from the pulled image's rootfs.
	var rootPath, diskPath string
	var diskOwned bool
	switch {
	case b.RootDir != "":
		rootPath = b.RootDir
	case b.RootDiskPath != "":
		diskPath = b.RootDiskPath
	default:
		diskPath = filepath.Join(r.DataDir, "disks", id+".img")
		if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
			return nil, Wrap("runtime.create_vm", ErrIo, err)
		}
		if err := ext2fs.CreateFromDir(rootfsDir, diskPath, ext2fs.CreateOptions{}); err != nil {
			return nil, Wrap("runtime.create_vm", ErrExt2fs, err)
		}
		diskOwned = true
	}

	disks := append([]runtime.Disk{}, b.ExtraDisks...)
	if diskPath != "" {
		disks = append([]runtime.Disk{{ID: "root", Path: diskPath}}, disks...)
	}

	vcpus := b.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}
	ramMiB := b.RAMMiB
	if ramMiB == 0 {
		ramMiB = 512
	}

	cid, err := r.Registry.NextVsockCID(ctx)
	if err != nil {
		return nil, Wrap("runtime.create_vm", ErrDb, err)
	}

	rec := runtime.Record{
		ID:           id,
		Name:         name,
		Status:       runtime.StatusPending,
		CreatedAt:    time.Now(),
		ImageRef:     ref.String(),
		RootfsDigest: rootfsDigest,
		DiskPath:     diskPath,
		VsockCID:     cid,
		AutoRemove:   b.AutoRemove,
		DiskOwned:    diskOwned,
	}
	if err := r.Registry.Create(ctx, rec); err != nil {
		return nil, Wrap("runtime.create_vm", ErrDb, err)
	}

	pid, _, err := r.Spawner.Spawn(runtime.SpawnConfig{
		VCPUs:          vcpus,
		RAMMiB:         ramMiB,
		KernelPath:     r.KernelPath,
		RootPath:       rootPath,
		Disks:          disks,
		Argv:           argv,
		Env:            env,
		Workdir:        workdir,
		VsockCID:       cid,
		Ports:          b.Ports,
		VirtiofsShares: b.VirtiofsShares,
		Rlimits:        b.Rlimits,
		NestedVirt:     b.NestedVirt,
		SndDevice:      b.SndDevice,
		ConsoleOutput:  b.ConsoleOutput,
		LogLevel:       b.LogLevel,
	})
	if err != nil {
		_ = r.Registry.SetStatus(ctx, id, runtime.StatusExited, 0, nil)
		return nil, Wrap("runtime.create_vm", ErrKrun, err)
	}

	if err := r.Registry.SetStatus(ctx, id, runtime.StatusRunning, pid, nil); err != nil {
		return nil, Wrap("runtime.create_vm", ErrDb, err)
	}

	return toVmRecord(runtime.Record{
		ID: id, Name: name, Status: runtime.StatusRunning, PID: pid, CreatedAt: rec.CreatedAt,
		ImageRef: rec.ImageRef, RootfsDigest: rootfsDigest, DiskPath: diskPath, VsockCID: cid,
		AutoRemove: b.AutoRemove, DiskOwned: diskOwned,
	}), nil
}

func toVmRecord(r runtime.Record) *VmRecord {
	return &VmRecord{
		ID:           r.ID,
		Name:         r.Name,
		Status:       VmStatus(r.Status),
		PID:          r.PID,
		CreatedAt:    r.CreatedAt,
		ImageRef:     r.ImageRef,
		RootfsDigest: r.RootfsDigest,
		DiskPath:     r.DiskPath,
		VsockCID:     r.VsockCID,
		AutoRemove:   r.AutoRemove,
		DiskOwned:    r.DiskOwned,
		ExitCode:     r.ExitCode,
	}
}
