package bux

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/banksean/bux/internal/hostclient"
	"github.com/banksean/bux/internal/runtime"
	"github.com/banksean/bux/internal/wire"
)

// Vm is a handle to one registered VM, resolved from the registry by name
// or ID prefix.
type Vm struct {
	rec *runtime.Record
	reg *runtime.Registry
}

// ResolveVm looks up ref (exact name, exact ID, or unique ID prefix) in
// the registry.
func ResolveVm(ctx context.Context, reg *runtime.Registry, ref string) (*Vm, error) {
	rec, err := reg.Resolve(ctx, ref)
	if err != nil {
		return nil, Wrap("runtime.resolve", ErrNotFound, err)
	}
	return &Vm{rec: rec, reg: reg}, nil
}

// Record returns the VM's current registry record as the public VmRecord
// type.
func (v *Vm) Record() *VmRecord { return toVmRecord(*v.rec) }

func (v *Vm) dial() (*hostclient.Client, error) {
	c, err := hostclient.Dial(v.rec.VsockCID)
	if err != nil {
		return nil, Wrap("runtime.dial", ErrIo, err)
	}
	return c, nil
}

// stopPollInterval is how often Stop polls the shim process for exit
// while waiting out the timeout before escalating to Kill.
const stopPollInterval = 100 * time.Millisecond

// Stop asks the guest agent to shut down cleanly, then waits up to timeout
// for the shim process to exit on its own. A dial or Shutdown failure is
// tolerated (the guest may already be gone) and treated the same as "asked,
// now wait". If the shim is still alive once timeout elapses, Stop
// escalates to Kill.
func (v *Vm) Stop(ctx context.Context, timeout time.Duration) error {
	if c, err := v.dial(); err == nil {
		_ = c.Shutdown(ctx)
		c.Close()
	}

	deadline := time.Now().Add(timeout)
	for runtime.ProcessAlive(v.rec.PID) {
		if time.Now().After(deadline) {
			return v.Kill(ctx)
		}
		select {
		case <-ctx.Done():
			return Wrap("runtime.stop", ErrIo, ctx.Err())
		case <-time.After(stopPollInterval):
		}
	}

	if err := v.reg.SetStatus(ctx, v.rec.ID, runtime.StatusStopped, v.rec.PID, nil); err != nil {
		return Wrap("runtime.stop", ErrDb, err)
	}
	v.rec.Status = runtime.StatusStopped
	return v.autoRemoveIfNeeded(ctx)
}

// Kill sends SIGKILL to the shim process that owns the VM's libkrun
// context, since killing the shim tears down the VMM and the VM with it —
// there is no graceful guest-side path for a kill, unlike Stop. A shim
// that has already exited is not an error.
func (v *Vm) Kill(ctx context.Context) error {
	if v.rec.PID == 0 {
		return Wrap("runtime.kill", ErrInvalidPath, fmt.Errorf("vm %s has no recorded pid", v.rec.ID))
	}
	if err := syscall.Kill(v.rec.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return Wrap("runtime.kill", ErrIo, err)
	}
	if err := v.reg.SetStatus(ctx, v.rec.ID, runtime.StatusStopped, v.rec.PID, nil); err != nil {
		return Wrap("runtime.kill", ErrDb, err)
	}
	v.rec.Status = runtime.StatusStopped
	return v.autoRemoveIfNeeded(ctx)
}

// autoRemoveIfNeeded removes the VM once it has reached Stopped if it was
// created with AutoRemove set, the same cleanup Stop/Kill trigger
// themselves rather than leaving it to a caller who may never issue it.
func (v *Vm) autoRemoveIfNeeded(ctx context.Context) error {
	if !v.rec.AutoRemove {
		return nil
	}
	return v.Remove(ctx)
}

// Remove deletes the VM's registry record and, if bux built the VM's disk
// itself, the backing disk file. The VM must be Stopped first.
func (v *Vm) Remove(ctx context.Context) error {
	if v.rec.Status != runtime.StatusStopped {
		return Wrap("runtime.remove", ErrInvalidPath, fmt.Errorf("vm %s is not stopped", v.rec.ID))
	}
	if v.rec.DiskOwned && v.rec.DiskPath != "" {
		if err := os.Remove(v.rec.DiskPath); err != nil && !os.IsNotExist(err) {
			return Wrap("runtime.remove", ErrIo, err)
		}
	}
	if err := v.reg.Remove(ctx, v.rec.ID); err != nil {
		return Wrap("runtime.remove", ErrDb, err)
	}
	return nil
}

// ExecOutput receives the Stdout/Stderr bytes of an Exec call as they
// arrive.
type ExecOutput interface {
	hostclient.Stream
}

// Exec runs argv inside the VM as a new process, under uid/gid, streaming
// output to out, and returns once it exits. When stdin is non-nil its
// bytes are forwarded to the child's stdin until EOF.
func (v *Vm) Exec(ctx context.Context, argv, env []string, cwd string, uid, gid uint32, stdin io.Reader, out ExecOutput) (int32, error) {
	c, err := v.dial()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	req := wire.ExecReq{Argv: argv, Env: env, Cwd: cwd, UID: uid, GID: gid, Stdin: stdin != nil}
	result, err := c.Exec(ctx, req, stdin, out)
	if err != nil {
		return 0, Wrap("runtime.exec", ErrIo, err)
	}
	return result.ExitCode, nil
}

// CopyIn unpacks a tar stream under dest inside the VM's guest filesystem.
func (v *Vm) CopyIn(ctx context.Context, dest string, tarData []byte) error {
	c, err := v.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CopyIn(ctx, dest, tarData); err != nil {
		return Wrap("runtime.copy_in", ErrIo, err)
	}
	return nil
}

// CopyOut retrieves path (file or directory) from the VM's guest
// filesystem as a tar stream.
func (v *Vm) CopyOut(ctx context.Context, path string) ([]byte, error) {
	c, err := v.dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := c.CopyOut(ctx, path)
	if err != nil {
		return nil, Wrap("runtime.copy_out", ErrIo, err)
	}
	return data, nil
}

// ReadFile retrieves a file's content from the VM's guest filesystem.
func (v *Vm) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c, err := v.dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := c.ReadFile(ctx, path)
	if err != nil {
		return nil, Wrap("runtime.read_file", ErrIo, err)
	}
	return data, nil
}

// WriteFile writes data to path inside the VM's guest filesystem.
func (v *Vm) WriteFile(ctx context.Context, path string, data []byte) error {
	c, err := v.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WriteFile(ctx, path, data); err != nil {
		return Wrap("runtime.write_file", ErrIo, err)
	}
	return nil
}

// ListVms returns every VM the registry knows about.
func ListVms(ctx context.Context, reg *runtime.Registry) ([]VmRecord, error) {
	recs, err := reg.List(ctx)
	if err != nil {
		return nil, Wrap("runtime.list", ErrDb, err)
	}
	out := make([]VmRecord, len(recs))
	for i, r := range recs {
		out[i] = *toVmRecord(r)
	}
	return out, nil
}
