package worker

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// DefaultCorpusDir is where fuzzing containers keep their queue.
const DefaultCorpusDir = "/fuzz/corpus"

// syncPrefix marks files written by Add. AFL and libFuzzer queue names repeat
// across instances, so injected seeds are named by content instead.
const syncPrefix = "sync:"

// maxSeedSize caps a single seed read out of a container (1 MiB).
const maxSeedSize = 1 << 20

// containerCopier is the part of the Docker client the corpus store needs.
type containerCopier interface {
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// DockerCorpus reads and writes the corpus directory of fuzzing containers
// through the Docker archive API. containerRef is the container ID or name.
type DockerCorpus struct {
	docker containerCopier
	dir    string
	closer io.Closer
}

// NewDockerCorpus connects to the Docker daemon from the environment.
func NewDockerCorpus(dir string) (*DockerCorpus, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	dc := newDockerCorpus(cli, dir)
	dc.closer = cli
	return dc, nil
}

func newDockerCorpus(docker containerCopier, dir string) *DockerCorpus {
	if dir == "" {
		dir = DefaultCorpusDir
	}
	return &DockerCorpus{docker: docker, dir: dir}
}

// Close releases the Docker client.
func (d *DockerCorpus) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// List implements CorpusStore.
func (d *DockerCorpus) List(ctx context.Context, containerRef string) ([]types.Seed, error) {
	rc, _, err := d.docker.CopyFromContainer(ctx, containerRef, d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to copy corpus from %s: %w", containerRef, err)
	}
	defer rc.Close()

	var seeds []types.Seed
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(hdr.Name)
		if name == "" || name[0] == '.' {
			continue
		}
		if hdr.Size > maxSeedSize {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxSeedSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed %s: %w", name, err)
		}
		seeds = append(seeds, types.Seed{
			Filename:   name,
			ContentB64: base64.StdEncoding.EncodeToString(content),
		})
	}
	return seeds, nil
}

// Add implements CorpusStore. Seeds are written as one tar archive into the
// corpus directory under a name derived from their content, so an injected
// seed never replaces a file the fuzzer already has and injecting the same
// content twice leaves a single file.
func (d *DockerCorpus) Add(ctx context.Context, containerRef string, seeds []types.Seed) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	written := 0
	seen := make(map[string]bool, len(seeds))
	now := time.Now()
	for _, s := range seeds {
		content, err := base64.StdEncoding.DecodeString(s.ContentB64)
		if err != nil {
			continue
		}
		name := syncName(content)
		if seen[name] {
			continue
		}
		seen[name] = true
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, fmt.Errorf("failed to write archive header: %w", err)
		}
		if _, err := tw.Write(content); err != nil {
			return 0, fmt.Errorf("failed to write archive entry: %w", err)
		}
		written++
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if written == 0 {
		return 0, nil
	}

	if err := d.docker.CopyToContainer(ctx, containerRef, d.dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return 0, fmt.Errorf("failed to copy seeds into %s: %w", containerRef, err)
	}
	return written, nil
}

// syncName is the corpus filename of an injected seed.
func syncName(content []byte) string {
	sum := sha256.Sum256(content)
	return syncPrefix + hex.EncodeToString(sum[:8])
}
