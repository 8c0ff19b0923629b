// Package krunffi is the thin cgo boundary over libkrun, the VMM engine
// that actually runs bux's micro-VMs. libkrun itself is an external
// collaborator (Non-goal: bux does not reimplement a hypervisor) consumed
// here through the same narrow C ABI the original implementation's sys
// crate bound via bindgen.
package krunffi

/*
#cgo LDFLAGS: -lkrun
#include <stdbool.h>
#include <stdint.h>
#include <stdlib.h>

int32_t krun_create_ctx(void);
int32_t krun_free_ctx(uint32_t ctx_id);
int32_t krun_set_vm_config(uint32_t ctx_id, uint8_t num_vcpus, uint32_t ram_mib);
int32_t krun_set_root(uint32_t ctx_id, const char *root_path);
int32_t krun_set_workdir(uint32_t ctx_id, const char *workdir_path);
int32_t krun_set_exec(uint32_t ctx_id, const char *exec_path, const char *const argv[], const char *const envp[]);
int32_t krun_add_disk(uint32_t ctx_id, const char *block_id, const char *disk_path, bool read_only);
int32_t krun_set_vsock_cid(uint32_t ctx_id, uint32_t cid);
int32_t krun_set_port_map(uint32_t ctx_id, const char *const port_map[]);
int32_t krun_add_virtiofs(uint32_t ctx_id, const char *tag, const char *path);
int32_t krun_set_rlimits(uint32_t ctx_id, const char *const rlimits[]);
int32_t krun_set_nested_virt(uint32_t ctx_id, bool enabled);
int32_t krun_set_snd_device(uint32_t ctx_id, bool enabled);
int32_t krun_set_console_output(uint32_t ctx_id, const char *filepath);
int32_t krun_set_log_level(uint32_t level);
int32_t krun_start_enter(uint32_t ctx_id);
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Disk is one block device to attach via krun_add_disk.
type Disk struct {
	ID       string
	Path     string
	ReadOnly bool
}

// VirtiofsShare is one host directory exposed to the guest under Tag.
type VirtiofsShare struct {
	Tag  string
	Path string
}

// Config mirrors the VMM-facing fields of runtime.SpawnConfig; the shim
// builds one from the SpawnConfig it reads off disk.
type Config struct {
	VCPUs    uint8
	RAMMiB   uint32
	RootPath string
	Workdir  string
	ExecPath string
	Argv     []string
	Env      []string
	Disks    []Disk
	VsockCID uint32

	Ports          []string
	VirtiofsShares []VirtiofsShare
	Rlimits        []string
	NestedVirt     bool
	SndDevice      bool
	ConsoleOutput  string
	LogLevel       uint32
}

// Handle is a live libkrun context. The zero value is not valid; obtain one
// from Configure.
type Handle struct {
	ctxID uint32
}

// Error reports a failing libkrun call. Op is the C function name, Code is
// libkrun's own (usually negative errno-shaped) return value, matching the
// Krun{op,code} error taxonomy.
type Error struct {
	Op   string
	Code int32
}

func (e *Error) Error() string { return fmt.Sprintf("krunffi: %s failed: code %d", e.Op, e.Code) }

func call(op string, rc C.int32_t) error {
	if rc < 0 {
		return &Error{Op: op, Code: int32(rc)}
	}
	return nil
}

// Configure creates a libkrun context and applies every field of cfg to it.
// On any failure the partially configured context is freed before the error
// is returned.
func Configure(cfg Config) (*Handle, error) {
	rc := C.krun_create_ctx()
	if rc < 0 {
		return nil, &Error{Op: "krun_create_ctx", Code: int32(rc)}
	}
	ctxID := C.uint32_t(rc)
	h := &Handle{ctxID: uint32(ctxID)}

	if err := call("krun_set_vm_config", C.krun_set_vm_config(ctxID, C.uint8_t(cfg.VCPUs), C.uint32_t(cfg.RAMMiB))); err != nil {
		h.Close()
		return nil, err
	}

	// Exactly one of a directory root (RootPath) or a root disk entry in
	// Disks is expected to be set by the caller; krun_set_root only runs
	// for the former.
	if cfg.RootPath != "" {
		cRoot := C.CString(cfg.RootPath)
		defer C.free(unsafe.Pointer(cRoot))
		if err := call("krun_set_root", C.krun_set_root(ctxID, cRoot)); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.Workdir != "" {
		cWorkdir := C.CString(cfg.Workdir)
		defer C.free(unsafe.Pointer(cWorkdir))
		if err := call("krun_set_workdir", C.krun_set_workdir(ctxID, cWorkdir)); err != nil {
			h.Close()
			return nil, err
		}
	}

	cExec := C.CString(cfg.ExecPath)
	defer C.free(unsafe.Pointer(cExec))
	cArgv, freeArgv := cStringArray(cfg.Argv)
	defer freeArgv()
	cEnv, freeEnv := cStringArray(cfg.Env)
	defer freeEnv()
	if err := call("krun_set_exec", C.krun_set_exec(ctxID, cExec, cArgv, cEnv)); err != nil {
		h.Close()
		return nil, err
	}

	for _, d := range cfg.Disks {
		cDiskID := C.CString(d.ID)
		cDiskPath := C.CString(d.Path)
		err := call("krun_add_disk", C.krun_add_disk(ctxID, cDiskID, cDiskPath, C.bool(d.ReadOnly)))
		C.free(unsafe.Pointer(cDiskID))
		C.free(unsafe.Pointer(cDiskPath))
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.VsockCID != 0 {
		if err := call("krun_set_vsock_cid", C.krun_set_vsock_cid(ctxID, C.uint32_t(cfg.VsockCID))); err != nil {
			h.Close()
			return nil, err
		}
	}

	if len(cfg.Ports) > 0 {
		cPorts, freePorts := cStringArray(cfg.Ports)
		defer freePorts()
		if err := call("krun_set_port_map", C.krun_set_port_map(ctxID, cPorts)); err != nil {
			h.Close()
			return nil, err
		}
	}

	for _, share := range cfg.VirtiofsShares {
		cTag := C.CString(share.Tag)
		cPath := C.CString(share.Path)
		err := call("krun_add_virtiofs", C.krun_add_virtiofs(ctxID, cTag, cPath))
		C.free(unsafe.Pointer(cTag))
		C.free(unsafe.Pointer(cPath))
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	if len(cfg.Rlimits) > 0 {
		cRlimits, freeRlimits := cStringArray(cfg.Rlimits)
		defer freeRlimits()
		if err := call("krun_set_rlimits", C.krun_set_rlimits(ctxID, cRlimits)); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.NestedVirt {
		if err := call("krun_set_nested_virt", C.krun_set_nested_virt(ctxID, C.bool(true))); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.SndDevice {
		if err := call("krun_set_snd_device", C.krun_set_snd_device(ctxID, C.bool(true))); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.ConsoleOutput != "" {
		cConsole := C.CString(cfg.ConsoleOutput)
		defer C.free(unsafe.Pointer(cConsole))
		if err := call("krun_set_console_output", C.krun_set_console_output(ctxID, cConsole)); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.LogLevel != 0 {
		if err := call("krun_set_log_level", C.krun_set_log_level(C.uint32_t(cfg.LogLevel))); err != nil {
			h.Close()
			return nil, err
		}
	}

	return h, nil
}

// Start hands the calling OS thread to libkrun and blocks until the VM
// exits. Callers invoke this from the shim's dedicated goroutine/thread,
// never from a thread handling anything else.
func (h *Handle) Start() error {
	return call("krun_start_enter", C.krun_start_enter(C.uint32_t(h.ctxID)))
}

// Close frees the libkrun context. Safe to call once after Configure fails
// partway through, or after Start returns.
func (h *Handle) Close() error {
	return call("krun_free_ctx", C.krun_free_ctx(C.uint32_t(h.ctxID)))
}

func cStringArray(ss []string) (**C.char, func()) {
	if len(ss) == 0 {
		return nil, func() {}
	}
	cArr := C.malloc(C.size_t(len(ss)+1) * C.size_t(unsafe.Sizeof(uintptr(0))))
	arr := (*[1 << 20]*C.char)(cArr)[: len(ss)+1 : len(ss)+1]
	for i, s := range ss {
		arr[i] = C.CString(s)
	}
	arr[len(ss)] = nil
	return (**C.char)(cArr), func() {
		for i := range ss {
			C.free(unsafe.Pointer(arr[i]))
		}
		C.free(cArr)
	}
}
