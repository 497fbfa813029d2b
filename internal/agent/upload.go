package agent

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Inspector/internal/archive"
	"github.com/CZERTAINLY/Inspector/internal/model"
)

// Upload extracts an uploaded archive. The archive is removed on cleanup
// unless the job was interrupted.
type Upload struct {
	MaxFileSize int64
}

func (Upload) Name() model.Family {
	return model.FamilyUpload
}

func (u Upload) Stage(ctx context.Context, job model.ScanJob, workdir string) error {
	if job.ArchivePath == "" {
		return errors.New("archive path is empty")
	}
	stats, err := archive.Extractor{MaxFileSize: u.MaxFileSize}.Extract(ctx, job.ArchivePath, workdir)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "archive extracted",
		"files", stats.Files,
		"binary", stats.Binary,
		"large", stats.Large,
	)
	return nil
}

func (Upload) Clean(job model.ScanJob, interrupted bool) error {
	if interrupted || job.ArchivePath == "" {
		return nil
	}
	err := os.Remove(job.ArchivePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
