package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Dir walks a local directory. The directory is opened as os.Root, so
// symlinks can't escape it.
func Dir(ctx context.Context, dir string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield(fsEntry{abspath: dir, path: "."}, fmt.Errorf("opening root: %w", err))
			return
		}
		defer func() {
			_ = root.Close()
		}()
		for entry, err := range FS(ctx, root.FS(), dir) {
			if !yield(entry, err) {
				return
			}
		}
	}
}

// FS recursively walks root and returns a handle for every regular file
// found, or an entry together with an error if the directory can't be read
// or file information can't be obtained. Symlinks are not followed. name is
// used as a prefix of Abs.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			entry := fsEntry{
				root:    root,
				abspath: filepath.Join(name, filepath.FromSlash(path)),
				path:    path,
			}
			if err != nil {
				entry.infoErr = err
				if !yield(entry, err) {
					return fs.SkipAll
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				entry.infoErr = err
				if !yield(entry, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			entry.info = info
			if !yield(entry, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) Abs() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
