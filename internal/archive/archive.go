// Package archive stages uploaded archives and extracts them into a working
// directory. Entries escaping the destination abort the extraction, binary
// looking files are dropped.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Inspector/internal/model"
)

const (
	// SampleSize is the number of leading bytes inspected by IsBinary.
	SampleSize = 8000
	// PrintableRatio is the minimal share of printable bytes of a text file.
	PrintableRatio = 0.95
)

var ErrUnsupported = errors.New("unsupported archive format")

// IsBinary reports whether sample has less than PrintableRatio printable
// ASCII bytes. Only the first SampleSize bytes are inspected.
func IsBinary(sample []byte) bool {
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}
	if len(sample) == 0 {
		return false
	}
	printable := 0
	for _, c := range sample {
		if (c >= 0x20 && c < 0x7f) || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == '\b' {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) < PrintableRatio
}

// Stage writes an uploaded archive to dir and returns its path. The name is
// reduced to its base to keep it inside dir.
func Stage(dir, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "upload"
	}
	f, err := os.CreateTemp(dir, "*-"+base)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", name, err)
	}
	_, err = io.Copy(f, r)
	if err = errors.Join(err, f.Close()); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("staging %s: %w", name, err)
	}
	return f.Name(), nil
}

// Stats summarizes one extraction.
type Stats struct {
	Files  int
	Binary int
	Large  int
}

// Extractor extracts zip, tar and gzip compressed tar archives.
type Extractor struct {
	// MaxFileSize limits the size of extracted files, 0 means no limit.
	MaxFileSize int64
}

// Extract is Extractor.Extract with no size limit.
func Extract(ctx context.Context, archivePath, dest string) (Stats, error) {
	return Extractor{}.Extract(ctx, archivePath, dest)
}

// Extract unpacks archivePath into dest. If any entry resolves outside of
// dest, the extraction is aborted with ErrPathTraversal and dest is removed.
// Links are skipped.
func (x Extractor) Extract(ctx context.Context, archivePath, dest string) (stats Stats, err error) {
	dest, err = filepath.Abs(dest)
	if err != nil {
		return stats, err
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return stats, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dest)
		}
	}()

	f, err := os.Open(archivePath)
	if err != nil {
		return stats, err
	}
	defer func() {
		_ = f.Close()
	}()

	br := bufio.NewReader(f)
	magic, _ := br.Peek(512)
	switch {
	case bytes.HasPrefix(magic, []byte("PK\x03\x04")), bytes.HasPrefix(magic, []byte("PK\x05\x06")):
		info, err := f.Stat()
		if err != nil {
			return stats, err
		}
		zr, err := zip.NewReader(f, info.Size())
		if errors.Is(err, zip.ErrInsecurePath) {
			return stats, fmt.Errorf("%w: %w", model.ErrPathTraversal, err)
		}
		if err != nil {
			return stats, fmt.Errorf("reading zip: %w", err)
		}
		return x.unzip(ctx, zr, dest)
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return stats, fmt.Errorf("reading gzip: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		return x.untar(ctx, tar.NewReader(gz), dest)
	case len(magic) >= 262 && string(magic[257:262]) == "ustar":
		return x.untar(ctx, tar.NewReader(br), dest)
	default:
		return stats, ErrUnsupported
	}
}

func (x Extractor) unzip(ctx context.Context, zr *zip.Reader, dest string) (Stats, error) {
	var stats Stats
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		target, err := resolve(dest, zf.Name)
		if err != nil {
			return stats, err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return stats, err
			}
			continue
		case !mode.IsRegular():
			slog.DebugContext(ctx, "skipping non regular entry", "name", zf.Name)
			continue
		}
		if x.MaxFileSize > 0 && zf.UncompressedSize64 > uint64(x.MaxFileSize) {
			stats.Large++
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return stats, fmt.Errorf("opening %s: %w", zf.Name, err)
		}
		err = x.write(target, rc, &stats)
		_ = rc.Close()
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (x Extractor) untar(ctx context.Context, tr *tar.Reader, dest string) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return stats, fmt.Errorf("%w: %w", model.ErrPathTraversal, err)
		}
		if err != nil {
			return stats, fmt.Errorf("reading tar header: %w", err)
		}
		target, err := resolve(dest, hdr.Name)
		if err != nil {
			return stats, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if x.MaxFileSize > 0 && hdr.Size > x.MaxFileSize {
				stats.Large++
				continue
			}
			if err := x.write(target, tr, &stats); err != nil {
				return stats, err
			}
		default:
			slog.DebugContext(ctx, "skipping non regular entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

// write copies r to target unless the leading sample looks binary.
func (x Extractor) write(target string, r io.Reader, stats *Stats) error {
	sample := make([]byte, SampleSize)
	n, err := io.ReadFull(r, sample)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s: %w", target, err)
	}
	sample = sample[:n]
	if IsBinary(sample) {
		stats.Binary++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, io.MultiReader(bytes.NewReader(sample), r))
	if err = errors.Join(err, out.Close()); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	stats.Files++
	return nil
}

// resolve joins name to dest and fails if the result is not a descendant of
// dest.
func resolve(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", model.ErrPathTraversal, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", model.ErrPathTraversal, name)
	}
	return target, nil
}
