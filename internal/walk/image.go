package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"strings"

	"github.com/anchore/stereoscope/pkg/file"
	"github.com/anchore/stereoscope/pkg/filetree"
	"github.com/anchore/stereoscope/pkg/filetree/filenode"
	"github.com/anchore/stereoscope/pkg/image"
)

// Image walks regular files of the squashed layers of an OCI image.
// Links are neither visited nor followed.
func Image(ctx context.Context, img *image.Image) iter.Seq2[Entry, error] {
	if img == nil {
		panic("image is nil")
	}

	return func(yield func(Entry, error) bool) {
		stopped := false
		fn := func(_ file.Path, node filenode.FileNode) error {
			if node.FileType != file.TypeRegular || node.Reference == nil {
				return nil
			}
			if !yield(imageEntry{node: node, image: img}, nil) {
				stopped = true
			}
			return nil
		}
		cond := filetree.WalkConditions{
			ShouldTerminate: func(_ file.Path, _ filenode.FileNode) bool {
				return stopped || ctx.Err() != nil
			},
			ShouldVisit: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
			ShouldContinueBranch: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
		}
		if err := img.SquashedTree().Walk(fn, &cond); err != nil && !stopped {
			yield(imageEntry{image: img}, err)
		}
	}
}

type imageEntry struct {
	node  filenode.FileNode
	image *image.Image
}

func (e imageEntry) Path() string {
	return strings.TrimPrefix(string(e.node.RealPath), "/")
}

func (e imageEntry) Abs() string {
	return string(e.node.RealPath)
}

func (e imageEntry) Open() (io.ReadCloser, error) {
	return e.image.OpenReference(*e.node.Reference)
}

func (e imageEntry) Stat() (fs.FileInfo, error) {
	entry, err := e.image.FileCatalog.Get(*e.node.Reference)
	if err != nil {
		return nil, err
	}
	return entry.FileInfo, nil
}
