package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Inspector/internal/archive"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/walk"

	"github.com/anchore/stereoscope"
	"github.com/anchore/stereoscope/pkg/image"
)

// Image copies regular files of the squashed filesystem of a container image
// into the working directory. Large and binary files are skipped.
type Image struct {
	MaxFileSize int64
	// Get is stereoscope.GetImage when nil.
	Get func(ctx context.Context, ref string) (*image.Image, error)
}

func (Image) Name() model.Family {
	return model.FamilyImage
}

func (i Image) Stage(ctx context.Context, job model.ScanJob, workdir string) error {
	if job.ImageRef == "" {
		return errors.New("image reference is empty")
	}
	get := i.Get
	if get == nil {
		get = func(ctx context.Context, ref string) (*image.Image, error) {
			return stereoscope.GetImage(ctx, ref)
		}
	}
	img, err := get(ctx, job.ImageRef)
	if err != nil {
		return fmt.Errorf("getting image %s: %w", job.ImageRef, err)
	}
	defer func() {
		if err := img.Cleanup(); err != nil {
			slog.WarnContext(ctx, "cleaning image", "error", err)
		}
	}()

	copied := 0
	for entry, err := range walk.Image(ctx, img) {
		if err != nil {
			return fmt.Errorf("walking image: %w", err)
		}
		ok, err := i.copy(entry, workdir)
		if err != nil {
			return err
		}
		if ok {
			copied++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.DebugContext(ctx, "image staged", "files", copied)
	return nil
}

func (i Image) copy(entry walk.Entry, workdir string) (bool, error) {
	info, err := entry.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", entry.Abs(), err)
	}
	if i.MaxFileSize > 0 && info.Size() > i.MaxFileSize {
		return false, nil
	}

	r, err := entry.Open()
	if err != nil {
		return false, fmt.Errorf("open %s: %w", entry.Abs(), err)
	}
	defer func() {
		_ = r.Close()
	}()
	sample := make([]byte, archive.SampleSize)
	n, err := io.ReadFull(r, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, fmt.Errorf("read %s: %w", entry.Abs(), err)
	}
	if archive.IsBinary(sample[:n]) {
		return false, nil
	}

	target := filepath.Join(workdir, filepath.FromSlash(entry.Path()))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return false, err
	}
	out, err := os.Create(target)
	if err != nil {
		return false, err
	}
	_, err = out.Write(sample[:n])
	if err == nil {
		_, err = io.Copy(out, r)
	}
	if err = errors.Join(err, out.Close()); err != nil {
		return false, fmt.Errorf("write %s: %w", target, err)
	}
	return true, nil
}

func (Image) Clean(model.ScanJob, bool) error {
	return nil
}
