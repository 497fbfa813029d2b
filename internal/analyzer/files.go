package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/Inspector/internal/archive"
	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/processor"
	"github.com/CZERTAINLY/Inspector/internal/walk"
)

// DefaultMaxSize is the size of the largest file read by Files.
const DefaultMaxSize = 10 << 20

// File is a single file handed to a Detector.
type File struct {
	// Path is relative to the working directory and goes to violations.
	Path string
	// Abs is usable by external processes.
	Abs     string
	Content []byte
}

// Detector finds violations in a single file. Detect is called from
// multiple goroutines.
type Detector interface {
	Detect(ctx context.Context, file File) ([]model.Violation, error)
	Close() error
}

// DetectorSetup builds a Detector for the given rules.
type DetectorSetup func(ctx context.Context, rules model.RuleSet, b *bench.Benchmarker) (Detector, error)

// Files adapts a per file Detector into an Analyzer running a
// processor over the working directory.
type Files struct {
	kind       model.RuleKind
	setup      DetectorSetup
	maxSize    int64
	scanBinary bool
}

type Option func(*Files)

// WithMaxSize sets the size limit of analyzed files. Larger files are
// skipped.
func WithMaxSize(n int64) Option {
	return func(f *Files) {
		f.maxSize = n
	}
}

// WithBinary makes Files pass binary looking files to the Detector.
func WithBinary() Option {
	return func(f *Files) {
		f.scanBinary = true
	}
}

func NewFiles(kind model.RuleKind, setup DetectorSetup, opts ...Option) *Files {
	f := &Files{
		kind:    kind,
		setup:   setup,
		maxSize: DefaultMaxSize,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Files) Kind() model.RuleKind {
	return f.kind
}

func (f *Files) Scan(ctx context.Context, cfg model.ScanConfig) (processor.Result, error) {
	b := bench.New(cfg.Benchmark)
	res, err := processor.New(cfg.Threads, b).Run(ctx, f.processorSetup(b), cfg.RuleSet, cfg.Dir)
	if report, ok := b.Report("\n"); ok {
		slog.InfoContext(ctx, "benchmark", "kind", f.kind, "report", report)
	}
	return res, err
}

func (f *Files) processorSetup(b *bench.Benchmarker) processor.Setup {
	return func(ctx context.Context, rules model.RuleSet) (processor.Factory, error) {
		d, err := f.setup(ctx, rules, b)
		if err != nil {
			return nil, err
		}
		return factory{files: f, detector: d, bench: b}, nil
	}
}

type factory struct {
	files    *Files
	detector Detector
	bench    *bench.Benchmarker
}

func (x factory) Close() error {
	return x.detector.Close()
}

func (x factory) Task(entry walk.Entry) processor.Task {
	return func(ctx context.Context) (model.Report, error) {
		content, err := x.read(entry)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrTooBig):
			slog.DebugContext(ctx, "skipping large file", "path", entry.Path())
			return model.Report{}, nil
		default:
			return model.Report{}, err
		}
		if !x.files.scanBinary && archive.IsBinary(content) {
			return model.Report{}, nil
		}

		defer x.bench.Timer(string(x.files.kind)).Stop()
		violations, err := x.detector.Detect(ctx, File{Path: entry.Path(), Abs: entry.Abs(), Content: content})
		if err != nil {
			return model.Report{}, fmt.Errorf("%s: %w", x.files.kind, err)
		}
		return model.Report{Violations: violations}, nil
	}
}

func (x factory) read(entry walk.Entry) ([]byte, error) {
	info, err := entry.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > x.files.maxSize {
		return nil, model.ErrTooBig
	}
	f, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	if _, err := io.Copy(&buf, io.LimitReader(f, x.files.maxSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
