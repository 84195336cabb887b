// Package artifact moves task bundles between the remote store and the local
// working directory. A bundle is an opaque directory tree addressed by URI;
// transfers carry the tree as a single zip archive, mirroring what the
// control plane expects on the store side.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"go.uber.org/zap"

	"github.com/inductiva/task-runner/internal/backoff"
)

const (
	inputArchiveName  = "input.zip"
	outputArchiveName = "output.zip"
)

// Service transfers bundles through viant/afs, so bundle references may use
// any registered scheme (file, s3, gs, mem, ...). Transfers are retried with
// bounded exponential backoff; exhaustion is a terminal task failure decided
// by the caller.
type Service struct {
	fs     afs.Service
	retry  backoff.Policy
	logger *zap.SugaredLogger
}

// New creates an artifact service with the supplied retry policy.
func New(retry backoff.Policy, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{fs: afs.New(), retry: retry, logger: logger}
}

// Fetch downloads the bundle's input archive and extracts it into destDir.
// destDir must exist and is private to the calling task.
func (s *Service) Fetch(ctx context.Context, bundleRef, destDir string) error {
	source := url.Join(bundleRef, inputArchiveName)

	var data []byte
	err := backoff.Retry(ctx, s.retry, func() error {
		var downloadErr error
		data, downloadErr = s.fs.DownloadWithURL(ctx, source)
		if downloadErr != nil {
			s.logger.Warnw("input download attempt failed", "source", source, "error", downloadErr)
		}
		return downloadErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch bundle %s: %w", bundleRef, err)
	}
	s.logger.Infow("fetched input bundle", "source", source, "zippedBytes", len(data))

	if err := extractArchive(data, destDir); err != nil {
		return fmt.Errorf("failed to extract bundle %s: %w", bundleRef, err)
	}
	return nil
}

// Push zips srcDir and uploads it as the bundle's output archive.
func (s *Service) Push(ctx context.Context, srcDir, bundleRef string) error {
	if _, err := os.Stat(srcDir); err != nil {
		return fmt.Errorf("output directory not found: %w", err)
	}
	data, err := makeArchive(srcDir)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}

	dest := url.Join(bundleRef, outputArchiveName)
	err = backoff.Retry(ctx, s.retry, func() error {
		uploadErr := s.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data))
		if uploadErr != nil {
			s.logger.Warnw("output upload attempt failed", "dest", dest, "error", uploadErr)
		}
		return uploadErr
	})
	if err != nil {
		return fmt.Errorf("failed to push bundle %s: %w", bundleRef, err)
	}
	s.logger.Infow("pushed output bundle", "dest", dest, "zippedBytes", len(data))
	return nil
}

// Discard removes a previously pushed output archive; used when a kill
// arrives mid-upload and partial output is not retained.
func (s *Service) Discard(ctx context.Context, bundleRef string) error {
	dest := url.Join(bundleRef, outputArchiveName)
	exists, err := s.fs.Exists(ctx, dest)
	if err != nil || !exists {
		return err
	}
	return s.fs.Delete(ctx, dest)
}

// DirSize returns the cumulative size of files under dir; reported as an
// event detail metric.
func DirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
