package ociimage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	digest "github.com/opencontainers/go-digest"

	"github.com/banksean/bux/internal/model"
)

// PullOptions customizes a Pull call. An empty Keychain falls back to
// authn.DefaultKeychain, which resolves opaque credentials the same way
// docker and podman do: ~/.docker/config.json and any installed credential
// helper.
type PullOptions struct {
	Keychain authn.Keychain
}

// Pull fetches ref's manifest, config, and every layer from its registry,
// commits them into the store, and extracts the resulting rootfs. It
// returns the image's config and the digest of the extracted rootfs.
func (s *Store) Pull(ctx context.Context, ref model.ImageRef, opts PullOptions) (*model.ImageConfig, string, error) {
	keychain := opts.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}

	nameRef, err := name.ParseReference(ref.String())
	if err != nil {
		return nil, "", fmt.Errorf("store.pull: parse reference %q: %w", ref.String(), err)
	}

	img, err := remote.Image(nameRef, remote.WithContext(ctx), remote.WithAuthFromKeychain(keychain))
	if err != nil {
		return nil, "", fmt.Errorf("registry.pull: fetch manifest: %w", err)
	}

	manifestDigestHash, err := img.Digest()
	if err != nil {
		return nil, "", fmt.Errorf("registry.pull: manifest digest: %w", err)
	}
	manifestDigest := digest.NewDigestFromHex("sha256", manifestDigestHash.Hex)

	rawCfg, err := img.RawConfigFile()
	if err != nil {
		return nil, "", fmt.Errorf("registry.pull: fetch config: %w", err)
	}
	var ociCfg specsv1.Image
	if err := json.Unmarshal(rawCfg, &ociCfg); err != nil {
		return nil, "", fmt.Errorf("registry.pull: unmarshal config: %w", err)
	}
	cfg := toImageConfig(ociCfg)

	layers, err := img.Layers()
	if err != nil {
		return nil, "", fmt.Errorf("registry.pull: layers: %w", err)
	}

	layerRefs := make([]model.LayerRef, len(layers))
	contents := make([]layerContent, len(layers))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(4) // bounded concurrent layer fetch
	for i, l := range layers {
		i, l := i, l
		group.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			d, err := l.Digest()
			if err != nil {
				return fmt.Errorf("registry.pull: layer digest: %w", err)
			}
			diffID, err := l.DiffID()
			if err != nil {
				return fmt.Errorf("registry.pull: layer diff id: %w", err)
			}
			size, err := l.Size()
			if err != nil {
				return fmt.Errorf("registry.pull: layer size: %w", err)
			}
			layerDigest := digest.NewDigestFromHex("sha256", d.Hex)
			if _, err := os.Stat(s.blobPath(layerDigest)); err != nil {
				rc, err := l.Compressed()
				if err != nil {
					return fmt.Errorf("registry.pull: open layer: %w", err)
				}
				err = s.atomicWriteBlob(layerDigest, rc)
				rc.Close()
				if err != nil {
					return fmt.Errorf("registry.pull: write layer %s: %w", layerDigest, err)
				}
			}

			layerRefs[i] = model.LayerRef{
				Digest: layerDigest,
				DiffID: digest.NewDigestFromHex("sha256", diffID.Hex),
				Size:   size,
			}
			contents[i] = layerContent{digest: layerDigest, path: s.blobPath(layerDigest)}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, "", err
	}

	rootfsDigest, err := extractLayers(s, contents)
	if err != nil {
		return nil, "", fmt.Errorf("registry.pull: extract: %w", err)
	}

	rec := model.ImageRecord{
		Ref:            ref,
		ManifestDigest: manifestDigest,
		Config:         cfg,
		RootfsDigest:   rootfsDigest,
		Layers:         layerRefs,
		PulledAt:       time.Now(),
	}
	if err := s.commitImage(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("registry.pull: commit: %w", err)
	}

	return &cfg, rootfsDigest, nil
}

// Ensure returns ref's config and rootfs digest, pulling it first if it
// isn't already in the index.
func (s *Store) Ensure(ctx context.Context, ref model.ImageRef, opts PullOptions) (*model.ImageConfig, string, error) {
	if rec, err := s.Get(ctx, ref); err == nil {
		if _, statErr := os.Stat(s.RootfsPath(rec.RootfsDigest)); statErr == nil {
			return &rec.Config, rec.RootfsDigest, nil
		}
		// DB row survived but the extracted rootfs didn't (e.g. a crash
		// mid-extraction left a dangling index entry); re-pull to repair it.
	}
	return s.Pull(ctx, ref, opts)
}

func toImageConfig(img specsv1.Image) model.ImageConfig {
	return model.ImageConfig{
		Entrypoint: img.Config.Entrypoint,
		Cmd:        img.Config.Cmd,
		Env:        img.Config.Env,
		Workdir:    img.Config.WorkingDir,
		User:       img.Config.User,
	}
}
