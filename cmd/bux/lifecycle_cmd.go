package main

import (
	"context"
	"time"

	bux "github.com/banksean/bux"
)

type StopCmd struct {
	VM      string        `arg:"" help:"VM name or ID (prefix allowed)"`
	Timeout time.Duration `default:"10s" help:"how long to wait for a clean shutdown before killing the VM"`
}

func (c *StopCmd) Run(cctx *Context) error {
	ctx := context.Background()
	vm, err := bux.ResolveVm(ctx, cctx.Registry, c.VM)
	if err != nil {
		return err
	}
	return vm.Stop(ctx, c.Timeout)
}

type KillCmd struct {
	VM string `arg:"" help:"VM name or ID (prefix allowed)"`
}

func (c *KillCmd) Run(cctx *Context) error {
	ctx := context.Background()
	vm, err := bux.ResolveVm(ctx, cctx.Registry, c.VM)
	if err != nil {
		return err
	}
	return vm.Kill(ctx)
}

type RmCmd struct {
	VM string `arg:"" help:"VM name or ID (prefix allowed)"`
}

func (c *RmCmd) Run(cctx *Context) error {
	ctx := context.Background()
	vm, err := bux.ResolveVm(ctx, cctx.Registry, c.VM)
	if err != nil {
		return err
	}
	return vm.Remove(ctx)
}
