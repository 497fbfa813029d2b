// Package walk turns directory trees and container images into sequences of
// regular files. Traversal failures are yielded together with the entry they
// belong to, a failure never stops the walk.
package walk

import (
	"io"
	"io/fs"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path returns a slash separated path relative to the walk root.
	Path() string
	// Abs returns a path usable on the local filesystem or, for images, the
	// real path inside the image.
	Abs() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}
