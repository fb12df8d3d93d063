// Package blob is a content-addressed object store on top of an afero
// filesystem. Objects are keyed by the hex SHA-256 of their bytes.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	objectsDir = "objects"
	tmpDir     = "tmp"
)

type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore prepares root for use. Pass afero.NewOsFs() in production and
// afero.NewMemMapFs() in tests.
func NewFSStore(fs afero.Fs, root string) (*FSStore, error) {
	for _, dir := range []string{objectsDir, tmpDir} {
		if err := fs.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, errors.Wrapf(err, "blob: create %s", dir)
		}
	}
	return &FSStore{fs: fs, root: root}, nil
}

// Locator is the storage path of the object for hash, relative to the root.
func Locator(hash string) (string, error) {
	if len(hash) < 3 {
		return "", errors.Errorf("blob: invalid content hash %q", hash)
	}
	return filepath.Join(objectsDir, hash[:2], hash), nil
}

// TempFile creates a scratch file inside the store so a finished upload can
// be renamed into place without crossing filesystems.
func (s *FSStore) TempFile() (afero.File, error) {
	f, err := afero.TempFile(s.fs, filepath.Join(s.root, tmpDir), "spool-")
	if err != nil {
		return nil, errors.Wrap(err, "blob: create temp file")
	}
	return f, nil
}

// Discard closes and removes a file obtained from TempFile.
func (s *FSStore) Discard(f afero.File) {
	if f == nil {
		return
	}
	f.Close()
	if err := s.fs.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		jww.WARN.Printf("blob: failed to remove temp file %s: %v", f.Name(), err)
	}
}

// Put streams r into the object for hash. The object only appears under its
// final name after its bytes have been synced, so a reader never observes a
// partial object. created is false when the object already existed, in which
// case r is not read.
func (s *FSStore) Put(ctx context.Context, hash string, r io.Reader) (locator string, created bool, err error) {
	locator, err = Locator(hash)
	if err != nil {
		return "", false, err
	}
	final := filepath.Join(s.root, locator)
	if ok, _ := afero.Exists(s.fs, final); ok {
		return locator, false, nil
	}

	tmp, err := s.TempFile()
	if err != nil {
		return "", false, err
	}
	defer func() {
		if err != nil {
			s.Discard(tmp)
		}
	}()

	if _, err = io.Copy(tmp, ContextReader(ctx, r)); err != nil {
		return "", false, errors.Wrap(err, "blob: write object")
	}
	if err = tmp.Sync(); err != nil {
		return "", false, errors.Wrap(err, "blob: sync object")
	}
	if err = tmp.Close(); err != nil {
		return "", false, errors.Wrap(err, "blob: close object")
	}
	if err = s.fs.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", false, errors.Wrap(err, "blob: create object dir")
	}
	if err = s.fs.Rename(tmp.Name(), final); err != nil {
		return "", false, errors.Wrap(err, "blob: commit object")
	}
	jww.DEBUG.Printf("blob: stored %s", locator)
	return locator, true, nil
}

// Open returns the object stored at locator. The caller closes it.
func (s *FSStore) Open(locator string) (afero.File, error) {
	f, err := s.fs.Open(filepath.Join(s.root, locator))
	if err != nil {
		return nil, errors.Wrapf(err, "blob: open %s", locator)
	}
	return f, nil
}

func (s *FSStore) Remove(locator string) error {
	err := s.fs.Remove(filepath.Join(s.root, locator))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "blob: remove %s", locator)
	}
	return nil
}

func (s *FSStore) Exists(locator string) bool {
	ok, _ := afero.Exists(s.fs, filepath.Join(s.root, locator))
	return ok
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader returns a reader that fails with ctx.Err() once ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
