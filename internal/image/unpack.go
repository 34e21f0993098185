package image

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/fault"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Leading bytes of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// Unpacks the filesystem of an image archive into dest.
//
// Layers are applied in manifest order with whiteouts honoured. Returns the
// image config so callers can pick up the image's environment and working
// directory.
func Unpack(path, dest, platform string) (*ocispec.Image, error) {
	layout, err := extractLayout(path)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(layout)

	manifest, config, err := resolve(layout, platform)
	if err != nil {
		return nil, err
	}

	for _, layer := range manifest.Layers {
		if err := applyLayer(blobPath(layout, layer.Digest), dest); err != nil {
			return nil, fault.Wrapf(ErrInvalidArchive, "layer %s: %w", layer.Digest, err)
		}
	}

	return &config, nil
}

// Returns the image config of an archive without unpacking its layers.
func Inspect(path, platform string) (*ocispec.Image, error) {
	layout, err := extractLayout(path)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(layout)

	_, config, err := resolve(layout, platform)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Extracts the outer layout tar into a temporary directory.
func extractLayout(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dir, err := os.MkdirTemp("", "kiln-layout-")
	if err != nil {
		return "", err
	}

	if err := archive.Extract(f, dir); err != nil {
		os.RemoveAll(dir)
		return "", fault.Wrap(ErrInvalidArchive, err)
	}
	return dir, nil
}

// Applies one layer blob, decompressing it when it is gzip.
func applyLayer(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(len(gzipMagic))

	var r io.Reader = br
	if bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	return archive.Apply(r, dest)
}
