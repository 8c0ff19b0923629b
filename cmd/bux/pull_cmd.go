package main

import (
	"context"
	"fmt"

	bux "github.com/banksean/bux"
	"github.com/banksean/bux/internal/ociimage"
)

type PullCmd struct {
	Image string `arg:"" help:"image reference to pull, e.g. alpine:latest"`
}

func (c *PullCmd) Run(cctx *Context) error {
	ctx := context.Background()

	ref, err := bux.ParseImageRef(c.Image)
	if err != nil {
		return err
	}
	_, rootfsDigest, err := cctx.Images.Pull(ctx, ref, ociimage.PullOptions{})
	if err != nil {
		return err
	}
	fmt.Printf("%s -> rootfs %s\n", ref.String(), rootfsDigest)
	return nil
}
