package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements FramedBackend on a local directory.
// Writes go to a temp file that is renamed into place.
type Filesystem struct {
	root   string
	noSync bool
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithNoSync skips fsync before rename. Only for tests.
func WithNoSync() FilesystemOption {
	return func(fs *Filesystem) {
		fs.noSync = true
	}
}

// NewFilesystem creates root if needed.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	fs := &Filesystem{root: abs}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Root returns the absolute root directory.
func (fs *Filesystem) Root() string {
	return fs.root
}

func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	return fs.atomicWrite(ctx, key, func(w io.Writer) error {
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
		return nil
	})
}

// WriteFramed stores header and body as a single framed file.
func (fs *Filesystem) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	return fs.atomicWrite(ctx, key, func(w io.Writer) error {
		return WriteFramed(w, header, body)
	})
}

func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

func (fs *Filesystem) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	rc, err := fs.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return header, struct {
		io.Reader
		io.Closer
	}{body, rc}, nil
}

func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

func (fs *Filesystem) atomicWrite(ctx context.Context, key string, fill func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := fs.keyToPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if !fs.noSync {
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("syncing file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true
	return nil
}

func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

var (
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ FramedBackend    = (*Filesystem)(nil)
)
