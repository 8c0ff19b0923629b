// Package model holds the data types shared between the image store, disk
// builder, and VM registry — split out from the root bux package so
// internal/ociimage (and other internal packages) can use them without
// importing the root package and creating an import cycle.
package model

import (
	"fmt"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// ImageRef identifies a pulled or pullable image, either by tag or by exact
// digest. Exactly one of Tag or Digest is set once Parse succeeds.
type ImageRef struct {
	Repository string
	Tag        string
	Digest     digest.Digest
}

// ParseImageRef parses the canonical "repo[:tag|@digest]" form. An empty tag
// defaults to "latest".
func ParseImageRef(s string) (ImageRef, error) {
	if s == "" {
		return ImageRef{}, fmt.Errorf("image.parse_ref: empty reference")
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		d, err := digest.Parse(s[i+1:])
		if err != nil {
			return ImageRef{}, fmt.Errorf("image.parse_ref: %w", err)
		}
		return ImageRef{Repository: s[:i], Digest: d}, nil
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "/") {
		return ImageRef{Repository: s[:i], Tag: s[i+1:]}, nil
	}
	return ImageRef{Repository: s, Tag: "latest"}, nil
}

func (r ImageRef) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s@%s", r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s:%s", r.Repository, r.Tag)
}

// ImageConfig is the subset of an OCI image config blob bux acts on.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	Workdir    string
	User       string
}

// LayerRef identifies one layer of a pulled image.
type LayerRef struct {
	Digest digest.Digest
	DiffID digest.Digest
	Size   int64
}

// ImageRecord is one row of the image store's index: a pulled image plus
// the rootfs digest it extracted to.
type ImageRecord struct {
	Ref          ImageRef
	ManifestDigest digest.Digest
	Config       ImageConfig
	RootfsDigest string
	Layers       []LayerRef
	PulledAt     time.Time
}
