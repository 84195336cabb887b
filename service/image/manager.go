// Package image resolves container image references to local .sif files.
// Resolution order: local cache, remote warm cache, registry pull. The remote
// cache holds pre-converted images so most workers never pay the pull cost.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/url"
	"go.uber.org/zap"
)

// Source identifies where a resolved image came from.
type Source string

const (
	SourceLocalCache  Source = "local-cache"
	SourceRemoteCache Source = "remote-cache"
	SourceRegistry    Source = "registry-pull"
)

// Ref is a resolved, locally available image.
type Ref struct {
	// Path is the local .sif file path.
	Path string
	// Source records which tier satisfied the request.
	Source Source
	// FetchDuration is zero for local cache hits.
	FetchDuration time.Duration
	// SizeBytes is the size of the .sif file.
	SizeBytes int64
}

// PullFunc converts a registry image URI into a local .sif file. The default
// shells out to `apptainer pull`; tests substitute a fake.
type PullFunc func(ctx context.Context, destPath, imageURI string) error

var sifNameReplacer = regexp.MustCompile(`://|:|/`)

// Manager downloads and caches .sif images under a local directory.
type Manager struct {
	cacheDir  string
	remoteURL string
	fs        afs.Service
	pull      PullFunc
	logger    *zap.SugaredLogger
}

// New creates a manager caching into cacheDir. remoteURL optionally points at
// a warm cache of pre-built .sif files (any afs scheme); empty disables that
// tier. A nil pull installs the apptainer CLI pull.
func New(cacheDir, remoteURL string, pull PullFunc, logger *zap.SugaredLogger) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image cache dir: %w", err)
	}
	if pull == nil {
		pull = apptainerPull
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		cacheDir:  cacheDir,
		remoteURL: remoteURL,
		fs:        afs.New(),
		pull:      pull,
		logger:    logger,
	}, nil
}

// Get makes the image available locally and returns its resolved reference.
func (m *Manager) Get(ctx context.Context, imageRef string) (*Ref, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	imageURI := normalizeURI(imageRef)
	localPath := filepath.Join(m.cacheDir, sifName(imageURI))

	if info, err := os.Stat(localPath); err == nil {
		m.logger.Infow("image found in local cache", "path", localPath)
		return &Ref{Path: localPath, Source: SourceLocalCache, SizeBytes: info.Size()}, nil
	}

	started := time.Now()
	source, err := m.fetch(ctx, imageURI, localPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("image fetch produced no file: %w", err)
	}
	ref := &Ref{
		Path:          localPath,
		Source:        source,
		FetchDuration: time.Since(started),
		SizeBytes:     info.Size(),
	}
	m.logger.Infow("image resolved", "uri", imageURI, "source", source, "sizeBytes", ref.SizeBytes)
	return ref, nil
}

func (m *Manager) fetch(ctx context.Context, imageURI, localPath string) (Source, error) {
	if m.remoteURL != "" {
		remotePath := url.Join(m.remoteURL, sifName(imageURI))
		exists, err := m.fs.Exists(ctx, remotePath)
		if err != nil {
			m.logger.Warnw("remote image cache check failed", "remote", remotePath, "error", err)
		}
		if exists {
			if err := m.fs.Copy(ctx, remotePath, localPath); err != nil {
				return "", fmt.Errorf("failed to download image %s: %w", imageURI, err)
			}
			return SourceRemoteCache, nil
		}
		m.logger.Infow("image not in remote cache, pulling", "uri", imageURI)
	}
	if err := m.pull(ctx, localPath, imageURI); err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageURI, err)
	}
	return SourceRegistry, nil
}

// normalizeURI qualifies bare image names with the docker scheme.
func normalizeURI(imageRef string) string {
	if strings.Contains(imageRef, "://") {
		return imageRef
	}
	return "docker://" + imageRef
}

// sifName maps an image URI to the .sif file name used by both caches. The
// mapping must match the converter that populates the remote cache, e.g.
// "docker://inductiva/kutu:openfoam_v8" -> "docker_inductiva_kutu_openfoam_v8.sif".
func sifName(imageURI string) string {
	return sifNameReplacer.ReplaceAllString(imageURI, "_") + ".sif"
}

func apptainerPull(ctx context.Context, destPath, imageURI string) error {
	cmd := exec.CommandContext(ctx, "apptainer", "pull", destPath, imageURI)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apptainer pull failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
