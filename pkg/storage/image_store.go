package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// imagePathPrefix is the public path under which derivatives are served.
const imagePathPrefix = "/images/"

// ImageStore places cover derivatives where clients can fetch them and
// removes them when their record goes away. Place must only return once
// the derivative is durably stored; the returned URL is absolute.
type ImageStore interface {
	Place(ctx context.Context, filename, srcPath string) (string, error)
	Remove(ctx context.Context, imageURL string) error
}

// LocalStore keeps derivatives in a directory served as static files.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the images directory if missing.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("image dir is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("public base URL is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the directory derivatives are served from.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Place moves the derivative into the images directory and syncs it.
func (s *LocalStore) Place(_ context.Context, filename, srcPath string) (string, error) {
	filename = filepath.Base(filename)
	target := filepath.Join(s.dir, filename)
	if err := moveFile(srcPath, target); err != nil {
		return "", fmt.Errorf("place derivative: %w", err)
	}
	return s.baseURL + imagePathPrefix + filename, nil
}

// Remove unlinks the derivative a previously returned URL points at.
func (s *LocalStore) Remove(_ context.Context, imageURL string) error {
	filename, ok := FilenameFromURL(imageURL)
	if !ok {
		return fmt.Errorf("no image filename in %q", imageURL)
	}
	if err := os.Remove(filepath.Join(s.dir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove derivative: %w", err)
	}
	return nil
}

// FilenameFromURL extracts the derivative filename from a stored image URL.
func FilenameFromURL(imageURL string) (string, bool) {
	idx := strings.LastIndex(imageURL, imagePathPrefix)
	if idx < 0 {
		return "", false
	}
	name := filepath.Base(imageURL[idx+len(imagePathPrefix):])
	if name == "" || name == "." || name == "/" {
		return "", false
	}
	return name, true
}

// moveFile renames when possible and falls back to copy + fsync across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
