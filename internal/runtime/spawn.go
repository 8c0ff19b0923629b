package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/banksean/bux/internal/jail"
)

// Disk is one block device attached to the VM: the root disk bux built
// from a pulled image, a user-supplied --root-disk, or an extra --disk
// mount. ID must be unique per VM; the root disk conventionally uses "root".
type Disk struct {
	ID       string
	Path     string
	ReadOnly bool
}

// VirtiofsShare is one host directory exposed to the guest under Tag, the
// same (tag, host_path) pairing spec.md's VmConfig.virtiofs_shares names.
type VirtiofsShare struct {
	Tag  string
	Path string
}

// SpawnConfig is everything the shim needs to boot one VM. It's marshaled
// to a temp JSON file rather than passed on argv or env, so neither a
// `ps` listing nor a core dump of the runtime process exposes it; the
// shim deletes the file as soon as it has read it.
type SpawnConfig struct {
	VCPUs      uint8
	RAMMiB     uint32
	KernelPath string
	// RootPath is a host directory passed straight through as the VM's
	// root, mutually exclusive with a "root"-id entry in Disks.
	RootPath string
	Disks    []Disk
	Argv     []string
	Env      []string
	Workdir  string
	VsockCID uint32

	Ports          []string // "host:guest" pairs, forwarded via krun_set_port_map
	VirtiofsShares []VirtiofsShare
	Rlimits        []string // "RESOURCE=soft:hard" entries, forwarded via krun_set_rlimits
	NestedVirt     bool
	SndDevice      bool
	ConsoleOutput  string
	LogLevel       uint32
}

// Spawner launches the shim binary that drives one VM via krunffi. The
// runtime process itself never calls into krunffi or libkrun directly —
// only the shim child does, so a VM crash or a panic inside cgo can never
// take down the process holding the registry open.
type Spawner struct {
	ShimPath string
}

// Spawn writes cfg to a mode-0600 temp file, execs the shim with its path
// as argv[1], and returns the shim's PID without waiting for the VM to
// finish booting. The shim deletes the temp file itself once read.
func (sp Spawner) Spawn(cfg SpawnConfig) (pid int, cleanup func(), err error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, nil, fmt.Errorf("runtime.spawn: marshal config: %w", err)
	}

	f, err := os.CreateTemp("", "bux-vmconfig-*.json")
	if err != nil {
		return 0, nil, fmt.Errorf("runtime.spawn: tempfile: %w", err)
	}
	tmpPath := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("runtime.spawn: chmod config: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("runtime.spawn: write config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("runtime.spawn: close config: %w", err)
	}

	cmd := exec.Command(sp.ShimPath, tmpPath)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Only pdeathsig, not a credential drop: the shim itself must keep
	// running as whatever user invoked bux to retain access to /dev/kvm
	// and the rootfs/disk paths it reads. Per-process identity inside the
	// guest is set per wire.ExecReq.UID/GID by the guest agent instead.
	jail.ApplyPdeathsig(cmd)

	if err := cmd.Start(); err != nil {
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("runtime.spawn: start shim: %w", err)
	}

	// The shim removes the temp file itself; this is a backstop in case it
	// dies before reaching that point.
	cleanup = func() { os.Remove(tmpPath) }
	return cmd.Process.Pid, cleanup, nil
}

// DefaultShimPath resolves the bux-shim binary relative to the running
// bux executable, falling back to PATH lookup — the shim ships alongside
// the CLI binary in a release but may also be installed separately.
func DefaultShimPath() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "bux-shim")
		if st, statErr := os.Stat(candidate); statErr == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("bux-shim")
	if err != nil {
		return "", fmt.Errorf("runtime.spawn: bux-shim not found next to binary or on PATH: %w", err)
	}
	return path, nil
}

// NextVsockCID picks a context ID not already in use by a running VM,
// starting from a fixed base above the well-known reserved CIDs (0-2).
func (r *Registry) NextVsockCID(ctx context.Context) (uint32, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("runtime.next_cid: %w", err)
	}
	used := make(map[uint32]bool, len(all))
	for _, rec := range all {
		if rec.Status == StatusRunning || rec.Status == StatusPending {
			used[rec.VsockCID] = true
		}
	}
	for cid := uint32(100); ; cid++ {
		if !used[cid] {
			return cid, nil
		}
	}
}

// now is a seam for tests; production code always uses time.Now.
var now = time.Now
