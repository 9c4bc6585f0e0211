package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// FileBlobstore keeps blobs as files below Dir. Keys may contain slashes.
type FileBlobstore struct {
	Dir string
}

var _ Blobstore = &FileBlobstore{}

func (s *FileBlobstore) path(info BlobInfo) (string, error) {
	key := filepath.FromSlash(info.Key)
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid blob key %q", info.Key)
	}
	return filepath.Join(s.Dir, key), nil
}

func (s *FileBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	src, err := s.path(info)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening blob %q: %w", info.Key, err)
	}
	defer f.Close()

	if _, err := writeToFile(ctx, f, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Key, err)
	}
	return nil
}

func (s *FileBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	dest, err := s.path(info)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		log.V(2).Info("blob already exists", "path", dest)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking blob %q: %w", info.Key, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	n, err := writeToFile(ctx, src, dest)
	if err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Key, err)
	}
	log.Info("stored blob", "path", dest, "bytes", n)
	return nil
}
