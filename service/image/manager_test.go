package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSifName(t *testing.T) {
	assert.Equal(t,
		"docker_inductiva_kutu_openfoam-foundation_v8.sif",
		sifName("docker://inductiva/kutu:openfoam-foundation_v8"))
}

func TestNormalizeURI(t *testing.T) {
	assert.Equal(t, "docker://inductiva/kutu:v1", normalizeURI("inductiva/kutu:v1"))
	assert.Equal(t, "oras://registry/image:v1", normalizeURI("oras://registry/image:v1"))
}

func TestGetLocalCacheHit(t *testing.T) {
	cacheDir := t.TempDir()
	sifPath := filepath.Join(cacheDir, sifName("docker://inductiva/kutu:v1"))
	assert.NoError(t, os.WriteFile(sifPath, []byte("sif-bytes"), 0o644))

	manager, err := New(cacheDir, "", failingPull(t), nil)
	assert.NoError(t, err)

	ref, err := manager.Get(context.Background(), "inductiva/kutu:v1")
	assert.NoError(t, err)
	assert.Equal(t, SourceLocalCache, ref.Source)
	assert.Equal(t, sifPath, ref.Path)
	assert.Equal(t, int64(9), ref.SizeBytes)
}

func TestGetRemoteCacheHit(t *testing.T) {
	remoteDir := t.TempDir()
	remotePath := filepath.Join(remoteDir, sifName("docker://inductiva/kutu:v1"))
	assert.NoError(t, os.WriteFile(remotePath, []byte("warm-sif"), 0o644))

	manager, err := New(t.TempDir(), remoteDir, failingPull(t), nil)
	assert.NoError(t, err)

	ref, err := manager.Get(context.Background(), "inductiva/kutu:v1")
	assert.NoError(t, err)
	assert.Equal(t, SourceRemoteCache, ref.Source)

	data, err := os.ReadFile(ref.Path)
	assert.NoError(t, err)
	assert.Equal(t, "warm-sif", string(data))

	// Second resolution is a local hit.
	ref, err = manager.Get(context.Background(), "inductiva/kutu:v1")
	assert.NoError(t, err)
	assert.Equal(t, SourceLocalCache, ref.Source)
}

func TestGetFallsBackToPull(t *testing.T) {
	var pulled string
	pull := func(_ context.Context, destPath, imageURI string) error {
		pulled = imageURI
		return os.WriteFile(destPath, []byte("pulled-sif"), 0o644)
	}
	manager, err := New(t.TempDir(), "", pull, nil)
	assert.NoError(t, err)

	ref, err := manager.Get(context.Background(), "inductiva/kutu:v1")
	assert.NoError(t, err)
	assert.Equal(t, SourceRegistry, ref.Source)
	assert.Equal(t, "docker://inductiva/kutu:v1", pulled)
	assert.Equal(t, int64(10), ref.SizeBytes)
}

func TestGetPullFailure(t *testing.T) {
	pull := func(context.Context, string, string) error {
		return fmt.Errorf("registry unreachable")
	}
	manager, err := New(t.TempDir(), "", pull, nil)
	assert.NoError(t, err)

	_, err = manager.Get(context.Background(), "inductiva/kutu:v1")
	assert.Error(t, err)
}

func TestGetEmptyImage(t *testing.T) {
	manager, err := New(t.TempDir(), "", failingPull(t), nil)
	assert.NoError(t, err)
	_, err = manager.Get(context.Background(), "")
	assert.Error(t, err)
}

func failingPull(t *testing.T) PullFunc {
	return func(context.Context, string, string) error {
		t.Helper()
		t.Fatalf("pull should not be reached")
		return nil
	}
}
