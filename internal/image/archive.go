package image

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/platforms"
	"github.com/klauspost/compress/gzip"
	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (

	// Contents of the oci-layout marker file.
	layoutVersion = `{"imageLayoutVersion":"1.0.0"}`

	// Directory holding content blobs inside the layout.
	blobsDir = "blobs/sha256"
)

// Runtime configuration recorded in the image config.
type Config struct {
	Entrypoint []string          // Process started by the image.
	Cmd        []string          // Default arguments, usually empty.
	Env        []string          // Environment in "KEY=value" form.
	WorkingDir string            // Working directory of the process.
	Labels     map[string]string // Image labels.
}

// A blob staged on disk before being written to the layout.
type blob struct {
	desc ocispec.Descriptor
	path string
}

// Writes an OCI image archive to w.
//
// Each directory in layers becomes one gzip-compressed layer, applied in
// order. The manifest is tagged with ref through the standard reference
// annotation. Nothing time-dependent is recorded, so writing the same trees
// twice yields the same manifest digest.
func Write(w io.Writer, ref, platform string, cfg Config, layers ...string) error {
	p, err := platforms.Parse(platform)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp("", "kiln-image-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	var blobs []blob
	var layerDescs []ocispec.Descriptor
	var diffIDs []digest.Digest

	for _, dir := range layers {
		b, diffID, err := writeLayer(staging, dir)
		if err != nil {
			return err
		}
		blobs = append(blobs, b)
		layerDescs = append(layerDescs, b.desc)
		diffIDs = append(diffIDs, diffID)
	}

	config := ocispec.Image{
		Platform: ocispec.Platform{
			OS:           p.OS,
			Architecture: p.Architecture,
			Variant:      p.Variant,
		},
		Config: ocispec.ImageConfig{
			Entrypoint: cfg.Entrypoint,
			Cmd:        cfg.Cmd,
			Env:        cfg.Env,
			WorkingDir: cfg.WorkingDir,
			Labels:     cfg.Labels,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}

	configBlob, err := writeJSONBlob(staging, ocispec.MediaTypeImageConfig, config)
	if err != nil {
		return err
	}
	blobs = append(blobs, configBlob)

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configBlob.desc,
		Layers:    layerDescs,
	}
	if manifest.Layers == nil {
		manifest.Layers = []ocispec.Descriptor{}
	}

	manifestBlob, err := writeJSONBlob(staging, ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return err
	}
	blobs = append(blobs, manifestBlob)

	entry := manifestBlob.desc
	entry.Platform = &config.Platform
	if ref != "" {
		entry.Annotations = map[string]string{ocispec.AnnotationRefName: ref}
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{entry},
	}

	return writeLayout(w, index, blobs)
}

// Packs a directory tree into a gzip layer blob.
//
// Returns the blob (compressed digest and size) and the diff ID (digest of
// the uncompressed tar).
func writeLayer(staging, dir string) (blob, digest.Digest, error) {
	f, err := os.CreateTemp(staging, "layer-")
	if err != nil {
		return blob{}, "", err
	}
	defer f.Close()

	compressed := digest.SHA256.Digester()
	counter := &countingWriter{}
	gz := gzip.NewWriter(io.MultiWriter(f, compressed.Hash(), counter))

	uncompressed := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(gz, uncompressed.Hash()))

	if err := archive.WriteDir(tw, dir, "", nil); err != nil {
		return blob{}, "", err
	}
	if err := tw.Close(); err != nil {
		return blob{}, "", err
	}
	if err := gz.Close(); err != nil {
		return blob{}, "", err
	}

	return blob{
		desc: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    compressed.Digest(),
			Size:      counter.n,
		},
		path: f.Name(),
	}, uncompressed.Digest(), nil
}

// Serializes v and stages it as a blob.
func writeJSONBlob(staging, mediaType string, v any) (blob, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return blob{}, err
	}

	f, err := os.CreateTemp(staging, "json-")
	if err != nil {
		return blob{}, err
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return blob{}, err
	}

	return blob{
		desc: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(b),
			Size:      int64(len(b)),
		},
		path: f.Name(),
	}, nil
}

// Writes the layout files and staged blobs as a tar stream.
func writeLayout(w io.Writer, index ocispec.Index, blobs []blob) error {
	indexJSON, err := json.Marshal(index)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)

	if err := writeBytes(tw, ocispec.ImageLayoutFile, []byte(layoutVersion)); err != nil {
		return err
	}
	if err := writeBytes(tw, ocispec.ImageIndexFile, indexJSON); err != nil {
		return err
	}

	written := make(map[digest.Digest]bool, len(blobs))
	for _, b := range blobs {
		if written[b.desc.Digest] {
			continue
		}
		written[b.desc.Digest] = true

		if err := archive.WriteFile(tw, b.path, blobsDir+"/"+b.desc.Digest.Encoded()); err != nil {
			return err
		}
	}

	return tw.Close()
}

// Writes an in-memory file into the tar stream.
func writeBytes(tw *tar.Writer, name string, b []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(b)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(b))
	return err
}

// Counts bytes written through it.
type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Reads the index of an archive extracted into dir and resolves the image
// for the given platform.
//
// Nested indexes are followed. When no manifest matches the platform the
// first manifest is used, mirroring how single-platform archives carry no
// platform metadata at all.
func resolve(dir, platform string) (ocispec.Manifest, ocispec.Image, error) {
	var index ocispec.Index
	if err := readJSON(filepath.Join(dir, ocispec.ImageIndexFile), &index); err != nil {
		return ocispec.Manifest{}, ocispec.Image{}, fault.Wrap(ErrInvalidArchive, err)
	}

	matcher := platforms.Default()
	if platform != "" {
		p, err := platforms.Parse(platform)
		if err != nil {
			return ocispec.Manifest{}, ocispec.Image{}, err
		}
		matcher = platforms.Only(p)
	}

	for depth := 0; depth < 4; depth++ {
		desc, ok := selectManifest(index.Manifests, matcher)
		if !ok {
			return ocispec.Manifest{}, ocispec.Image{}, fault.Wrapf(ErrInvalidArchive, "index has no manifests")
		}

		switch desc.MediaType {
		case ocispec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
			index = ocispec.Index{}
			if err := readJSON(blobPath(dir, desc.Digest), &index); err != nil {
				return ocispec.Manifest{}, ocispec.Image{}, fault.Wrap(ErrInvalidArchive, err)
			}
			continue
		}

		var manifest ocispec.Manifest
		if err := readJSON(blobPath(dir, desc.Digest), &manifest); err != nil {
			return ocispec.Manifest{}, ocispec.Image{}, fault.Wrap(ErrInvalidArchive, err)
		}

		var config ocispec.Image
		if err := readJSON(blobPath(dir, manifest.Config.Digest), &config); err != nil {
			return ocispec.Manifest{}, ocispec.Image{}, fault.Wrap(ErrInvalidArchive, err)
		}

		return manifest, config, nil
	}

	return ocispec.Manifest{}, ocispec.Image{}, fault.Wrapf(ErrInvalidArchive, "index nesting too deep")
}

// Picks the descriptor matching the platform, falling back to the first.
func selectManifest(descs []ocispec.Descriptor, matcher platforms.Matcher) (ocispec.Descriptor, bool) {
	if len(descs) == 0 {
		return ocispec.Descriptor{}, false
	}
	for _, d := range descs {
		if d.Platform != nil && matcher.Match(*d.Platform) {
			return d, true
		}
	}
	return descs[0], true
}

// Path of a blob inside an extracted layout.
func blobPath(dir string, d digest.Digest) string {
	return filepath.Join(dir, "blobs", d.Algorithm().String(), d.Encoded())
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
