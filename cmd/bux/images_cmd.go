package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"

	bux "github.com/banksean/bux"
)

type ImagesCmd struct{}

func (c *ImagesCmd) Run(cctx *Context) error {
	ctx := context.Background()

	list, err := cctx.Images.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tTAG\tROOTFS\tPULLED\t")
	for _, img := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", img.Ref.Repository, img.Ref.Tag, bux.ShortDigest(img.RootfsDigest), humanize.Time(img.PulledAt))
	}
	return w.Flush()
}

type RmiCmd struct {
	Image string `arg:"" help:"image reference to remove"`
}

func (c *RmiCmd) Run(cctx *Context) error {
	ctx := context.Background()
	ref, err := bux.ParseImageRef(c.Image)
	if err != nil {
		return err
	}
	return cctx.Images.Remove(ctx, ref)
}
