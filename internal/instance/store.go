// Package instance manages the on-disk cache of synthesized database
// instances, keyed by schema identity and trial index.
package instance

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"sqlexam/internal/util"
)

const (
	// FileSuffix is the extension of every cached instance.
	FileSuffix = ".sqlite"
	// ArchiveCodec names the compression used by Archive.
	ArchiveCodec = "zstd"
)

// BuildFunc populates a database at tmpPath. The store renames the file into
// place once BuildFunc returns nil.
type BuildFunc func(ctx context.Context, tmpPath string) error

// Store is a directory of instances. Builders of the same key are
// serialized; distinct keys build in parallel.
type Store struct {
	dir   string
	locks *xsync.MapOf[string, *sync.Mutex]
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{dir: dir, locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns <dir>/<schemaID>/<schemaID>_<trial>.sqlite.
func (s *Store) Path(schemaID string, trial int) string {
	return filepath.Join(s.dir, schemaID, fmt.Sprintf("%s_%d%s", schemaID, trial, FileSuffix))
}

func (s *Store) lock(key string) func() {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// GetOrBuild returns the cached instance for (schemaID, trial), building it
// first when it does not exist. reused reports a cache hit.
func (s *Store) GetOrBuild(ctx context.Context, schemaID string, trial int, build BuildFunc) (path string, reused bool, err error) {
	path = s.Path(schemaID, trial)
	unlock := s.lock(path)
	defer unlock()

	if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
		return path, true, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, errors.Wrap(err, "create cache dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", false, errors.Wrap(err, "create temp instance")
	}
	tmpPath := tmp.Name()
	util.CloseWithErr(tmp, "temp instance")
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				util.Warnf("remove temp instance %s: %v", tmpPath, rmErr)
			}
		}
	}()

	if err = build(ctx, tmpPath); err != nil {
		return "", false, err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return "", false, errors.Wrap(err, "install instance")
	}
	return path, false, nil
}

// Discard removes one instance. A missing file is not an error.
func (s *Store) Discard(schemaID string, trial int) error {
	path := s.Path(schemaID, trial)
	unlock := s.lock(path)
	defer unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "discard %s", path)
	}
	return nil
}

// Purge removes every instance of a schema.
func (s *Store) Purge(schemaID string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, schemaID)); err != nil {
		return errors.Wrapf(err, "purge %s", schemaID)
	}
	return nil
}

// List returns the instance files of a schema in name order.
func (s *Store) List(schemaID string) ([]string, error) {
	root := filepath.Join(s.dir, schemaID)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", schemaID)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(root, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Archive writes a tar stream of the schema's instances compressed with zstd.
func (s *Store) Archive(ctx context.Context, schemaID string, w io.Writer) (err error) {
	paths, err := s.List(schemaID)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.Errorf("no instances for schema %s", schemaID)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	tw := tar.NewWriter(zw)
	defer func() {
		if closeErr := tw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.archiveFile(tw, schemaID, path); err != nil {
			return errors.Wrapf(err, "archive %s", filepath.Base(path))
		}
	}
	return nil
}

func (s *Store) archiveFile(tw *tar.Writer, schemaID string, path string) error {
	unlock := s.lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(filepath.Join(schemaID, filepath.Base(path)))
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(src, "archive source")
	_, err = io.Copy(tw, src)
	return err
}

// walkSize sums the bytes cached for a schema.
func walkSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Size returns the bytes cached for a schema. A missing schema has size 0.
func (s *Store) Size(schemaID string) (int64, error) {
	root := filepath.Join(s.dir, schemaID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	size, err := walkSize(root)
	return size, errors.Wrapf(err, "size %s", schemaID)
}
