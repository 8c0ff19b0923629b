// Package bux is the root of the sandbox runtime: VM configuration,
// lifecycle, and the data types shared between the image store, disk
// builder, and VM registry.
package bux

import (
	"time"

	"github.com/banksean/bux/internal/model"
)

// ImageRef, ImageConfig, and LayerRef are the image-store's data model,
// defined in internal/model so internal/ociimage can use them without
// importing this package.
type (
	ImageRef    = model.ImageRef
	ImageConfig = model.ImageConfig
	LayerRef    = model.LayerRef
)

// ParseImageRef parses the canonical "repo[:tag|@digest]" form. An empty tag
// defaults to "latest".
func ParseImageRef(s string) (ImageRef, error) {
	ref, err := model.ParseImageRef(s)
	if err != nil {
		return ImageRef{}, Wrap("image.parse_ref", ErrInvalidReference, err)
	}
	return ref, nil
}

// VmStatus is the lifecycle state of a registered VM.
type VmStatus string

const (
	VmPending VmStatus = "pending"
	VmRunning VmStatus = "running"
	VmStopped VmStatus = "stopped"
	VmExited  VmStatus = "exited"
)

// VmRecord is the persisted row tracking one VM across its lifetime.
type VmRecord struct {
	ID           string
	Name         string
	Status       VmStatus
	PID          int
	CreatedAt    time.Time
	ImageRef     string
	RootfsDigest string
	DiskPath     string
	VsockCID     uint32
	AutoRemove   bool
	DiskOwned    bool
	ExitCode     *int32
}
