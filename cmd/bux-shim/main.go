//go:build linux

// Command bux-shim is the process that actually calls into libkrun. The
// runtime process never links krunffi directly: it execs this binary with
// a path to a temp JSON config, so a VM crash or a panic inside cgo can
// never bring down the process holding the VM registry open.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/banksean/bux/internal/jail"
	"github.com/banksean/bux/internal/krunffi"
	"github.com/banksean/bux/internal/runtime"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bux-shim <config-path>")
		os.Exit(1)
	}
	configPath := os.Args[1]

	raw, err := os.ReadFile(configPath)
	os.Remove(configPath) // read-then-delete: the config never outlives this process's startup
	if err != nil {
		log.Error("read config", "error", err)
		os.Exit(1)
	}

	var cfg runtime.SpawnConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Error("unmarshal config", "error", err)
		os.Exit(1)
	}

	if err := jail.SetSelfParentDeathSignal(unix.SIGKILL); err != nil {
		log.Error("set parent death signal", "error", err)
		os.Exit(1)
	}

	disks := make([]krunffi.Disk, len(cfg.Disks))
	for i, d := range cfg.Disks {
		disks[i] = krunffi.Disk{ID: d.ID, Path: d.Path, ReadOnly: d.ReadOnly}
	}
	shares := make([]krunffi.VirtiofsShare, len(cfg.VirtiofsShares))
	for i, s := range cfg.VirtiofsShares {
		shares[i] = krunffi.VirtiofsShare{Tag: s.Tag, Path: s.Path}
	}

	handle, err := krunffi.Configure(krunffi.Config{
		VCPUs:          cfg.VCPUs,
		RAMMiB:         cfg.RAMMiB,
		RootPath:       cfg.RootPath,
		Workdir:        cfg.Workdir,
		ExecPath:       cfg.Argv[0],
		Argv:           cfg.Argv,
		Env:            cfg.Env,
		Disks:          disks,
		VsockCID:       cfg.VsockCID,
		Ports:          cfg.Ports,
		VirtiofsShares: shares,
		Rlimits:        cfg.Rlimits,
		NestedVirt:     cfg.NestedVirt,
		SndDevice:      cfg.SndDevice,
		ConsoleOutput:  cfg.ConsoleOutput,
		LogLevel:       cfg.LogLevel,
	})
	if err != nil {
		log.Error("configure vm", "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	log.Info("starting vm", "vsock_cid", cfg.VsockCID, "disks", len(cfg.Disks))
	if err := handle.Start(); err != nil {
		log.Error("vm exited with error", "error", err)
		os.Exit(1)
	}
}
