package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"

	bux "github.com/banksean/bux"
)

type PsCmd struct{}

func (c *PsCmd) Run(cctx *Context) error {
	ctx := context.Background()

	list, err := bux.ListVms(ctx, cctx.Registry)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIMAGE\tCREATED\t")
	for _, v := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", bux.ShortDigest(v.ID), v.Name, v.Status, v.ImageRef, humanize.Time(v.CreatedAt))
	}
	return w.Flush()
}

type InspectCmd struct {
	VM string `arg:"" help:"VM name or ID (prefix allowed)"`
}

func (c *InspectCmd) Run(cctx *Context) error {
	ctx := context.Background()
	vm, err := bux.ResolveVm(ctx, cctx.Registry, c.VM)
	if err != nil {
		return err
	}
	rec := vm.Record()
	fmt.Printf("ID:            %s\n", rec.ID)
	fmt.Printf("Name:          %s\n", rec.Name)
	fmt.Printf("Status:        %s\n", rec.Status)
	fmt.Printf("PID:           %d\n", rec.PID)
	fmt.Printf("Image:         %s\n", rec.ImageRef)
	fmt.Printf("Rootfs:        %s\n", rec.RootfsDigest)
	fmt.Printf("Disk:          %s\n", rec.DiskPath)
	fmt.Printf("Vsock CID:     %d\n", rec.VsockCID)
	fmt.Printf("Created:       %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
	if rec.ExitCode != nil {
		fmt.Printf("Exit code:     %d\n", *rec.ExitCode)
	}
	return nil
}
