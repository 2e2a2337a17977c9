package modules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

const (
	objectsDir     = "objects"
	indexFile      = "index.db"
	objectFileMode = 0o444
)

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)

// Options configures a FileStore.
type Options struct {
	// Root is the directory holding the index and the object files.
	Root string
	// Cleanup removes Root entirely when the store is closed.
	Cleanup bool
}

// FileStore implements Store with one read-only file per version under
// <root>/objects and a SQLite index of name to version.
type FileStore struct {
	root    string
	objects string
	cleanup bool
	index   *index

	closeOnce sync.Once
	closeErr  error
}

// Open creates the store directories if needed and opens the index.
func Open(ctx context.Context, opts Options) (*FileStore, error) {
	if opts.Root == "" {
		return nil, errors.New("open module store: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve module root: %w", err)
	}

	objects := filepath.Join(root, objectsDir)
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("create module directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix, err := openIndex(filepath.Join(root, indexFile))
	if err != nil {
		return nil, err
	}

	return &FileStore{
		root:    root,
		objects: objects,
		cleanup: opts.Cleanup,
		index:   ix,
	}, nil
}

// Root returns the absolute store directory.
func (s *FileStore) Root() string {
	return s.root
}

// Save writes content as an immutable object (if not already present) and
// points name at it.
func (s *FileStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	if name == "" {
		return "", errors.New("save module: name is required")
	}
	version := Version(content)

	if err := s.writeObject(version, content); err != nil {
		return "", err
	}
	if err := s.index.put(ctx, name, version, time.Now().UTC()); err != nil {
		return "", err
	}
	return version, nil
}

// writeObject stores content at its version path via temp file and rename,
// so readers never observe a partial object.
func (s *FileStore) writeObject(version string, content []byte) error {
	path := filepath.Join(s.objects, version)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(s.objects, ".tmp-"+version[:12]+"-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Chmod(tmpPath, objectFileMode); err != nil {
		return fmt.Errorf("chmod object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// LookupVersion returns the latest version saved under name.
func (s *FileStore) LookupVersion(ctx context.Context, name string) (string, error) {
	m, err := s.index.get(ctx, name)
	if err != nil {
		return "", err
	}
	return m.Version, nil
}

// LoadByVersion returns the content of version.
func (s *FileStore) LoadByVersion(ctx context.Context, version string) ([]byte, error) {
	path, err := s.ContentPath(version)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// LoadByName returns the content of the latest version saved under name.
func (s *FileStore) LoadByName(ctx context.Context, name string) ([]byte, error) {
	version, err := s.LookupVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.LoadByVersion(ctx, version)
}

// Has reports whether name has an index entry whose object file exists.
func (s *FileStore) Has(ctx context.Context, name string) (bool, error) {
	version, err := s.LookupVersion(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(s.objects, version)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// ContentPath returns the absolute path of version's object file. Malformed
// versions are reported as not found.
func (s *FileStore) ContentPath(version string) (string, error) {
	if !model.ValidVersion(version) {
		return "", ErrNotFound
	}
	return filepath.Join(s.objects, version), nil
}

// List returns every module name with its latest version, ordered by name.
func (s *FileStore) List(ctx context.Context) ([]model.Module, error) {
	return s.index.list(ctx)
}

// Versions returns the save history of name, newest first.
func (s *FileStore) Versions(ctx context.Context, name string) ([]model.ModuleVersion, error) {
	return s.index.versions(ctx, name)
}

// Close closes the index and, in cleanup mode, removes the store directory.
// It is safe to call more than once.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.index.close()
		if s.cleanup {
			if err := os.RemoveAll(s.root); err != nil && s.closeErr == nil {
				s.closeErr = fmt.Errorf("remove module directory: %w", err)
			}
		}
	})
	return s.closeErr
}
