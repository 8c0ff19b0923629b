package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	bux "github.com/banksean/bux"
	"github.com/banksean/bux/internal/runtime"
)

type RunCmd struct {
	Image   string   `arg:"" help:"image reference to run, e.g. alpine:latest"`
	Argv    []string `arg:"" optional:"" help:"command to run in place of the image's entrypoint/cmd"`
	Name    string   `placeholder:"<name>" help:"name for the new VM (random if unset)"`
	Env     []string `placeholder:"<KEY=VALUE>" help:"additional environment variables"`
	Workdir string   `placeholder:"<dir>" help:"working directory inside the VM"`
	VCPUs   uint8    `default:"1" help:"number of virtual CPUs"`
	RAMMiB  uint32   `default:"512" help:"memory, in MiB"`
	Rm      bool     `help:"remove the VM's registry record when it is stopped or killed through bux"`

	Root     string   `placeholder:"<dir>" help:"use a host directory directly as the VM root, instead of building a disk from the image"`
	RootDisk string   `name:"root-disk" placeholder:"<path>" help:"use a pre-built disk image as the VM's root disk, instead of building one from the image"`
	Disk     []string `placeholder:"<path>" help:"attach an extra disk image (repeatable)"`

	Ports    []string `short:"p" placeholder:"<host:guest>" help:"forward a port from host to guest (repeatable)"`
	Virtiofs []string `short:"v" name:"virtiofs" placeholder:"<tag:path>" help:"share a host directory into the guest under tag (repeatable)"`
	Rlimit   []string `placeholder:"<RESOURCE=soft:hard>" help:"set a guest rlimit (repeatable)"`

	NestedVirt    bool   `name:"nested-virt" help:"enable nested virtualization in the guest"`
	Snd           bool   `help:"attach a virtio-snd device"`
	ConsoleOutput string `name:"console-output" placeholder:"<path>" help:"redirect the guest console to a file instead of the shim's own stdout"`
	LogLevel      uint32 `name:"log-level" help:"libkrun log verbosity"`
}

func (c *RunCmd) Run(cctx *Context) error {
	ctx := context.Background()

	if cctx.KernelPath == "" {
		return fmt.Errorf("bux: --kernel-path is required to run a VM")
	}
	shimPath, err := runtime.DefaultShimPath()
	if err != nil {
		return fmt.Errorf("bux: %w", err)
	}

	runner := &bux.Runner{
		Images:     cctx.Images,
		Registry:   cctx.Registry,
		KernelPath: cctx.KernelPath,
		DataDir:    cctx.DataDir,
		Spawner:    runtime.Spawner{ShimPath: shimPath},
	}

	shares, err := parseVirtiofsShares(c.Virtiofs)
	if err != nil {
		return fmt.Errorf("bux: %w", err)
	}
	extraDisks, err := parseExtraDisks(c.Disk)
	if err != nil {
		return fmt.Errorf("bux: %w", err)
	}

	rec, err := runner.CreateVm(ctx, bux.VmBuilder{
		Image:      c.Image,
		Argv:       c.Argv,
		Env:        c.Env,
		Workdir:    c.Workdir,
		Name:       c.Name,
		VCPUs:      c.VCPUs,
		RAMMiB:     c.RAMMiB,
		AutoRemove: c.Rm,

		RootDir:      c.Root,
		RootDiskPath: c.RootDisk,
		ExtraDisks:   extraDisks,

		Ports:          c.Ports,
		VirtiofsShares: shares,
		Rlimits:        c.Rlimit,
		NestedVirt:     c.NestedVirt,
		SndDevice:      c.Snd,
		ConsoleOutput:  c.ConsoleOutput,
		LogLevel:       c.LogLevel,
	})
	if err != nil {
		slog.Error("run", "error", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "%s\n", rec.ID)
	return nil
}

// parseVirtiofsShares parses "tag:path" entries as given to -v.
func parseVirtiofsShares(raw []string) ([]runtime.VirtiofsShare, error) {
	out := make([]runtime.VirtiofsShare, 0, len(raw))
	for _, s := range raw {
		tag, path, ok := strings.Cut(s, ":")
		if !ok || tag == "" || path == "" {
			return nil, fmt.Errorf("invalid -v value %q, want tag:path", s)
		}
		out = append(out, runtime.VirtiofsShare{Tag: tag, Path: path})
	}
	return out, nil
}

// parseExtraDisks turns --disk paths into uniquely IDed, read-write disk
// entries appended after the root disk.
func parseExtraDisks(paths []string) ([]runtime.Disk, error) {
	out := make([]runtime.Disk, 0, len(paths))
	for i, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("invalid --disk value: empty path")
		}
		out = append(out, runtime.Disk{ID: fmt.Sprintf("disk%d", i), Path: p})
	}
	return out, nil
}
