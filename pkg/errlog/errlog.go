// Package errlog is the append-only log of records that ingestion skipped.
// Entries are JSON lines; the file is rotated at a size cap and a single
// backup is kept.
package errlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/utils/clock"
)

const (
	DefaultFileName = "ingest-errors.log"

	// MaxSizeMB is the size at which the log is rotated.
	MaxSizeMB = 5
	// MaxBackups is the number of rotated files kept; older ones are removed.
	MaxBackups = 1

	maxInputBytes = 1024
)

type Kind string

const (
	KindParse   Kind = "parse_error"
	KindRecord  Kind = "record_error"
	KindWarning Kind = "merge_warning"
)

// Entry is one logged failure.
type Entry struct {
	Kind   Kind
	Source string
	Line   int
	CveID  string
	Field  string
	Input  string
	Err    error
}

type Option func(*Log)

func WithClock(c clock.Clock) Option {
	return func(l *Log) {
		l.clock = c
	}
}

// WithWriter replaces the rotating file, mainly for tests.
func WithWriter(w io.Writer) Option {
	return func(l *Log) {
		l.out = w
	}
}

// Log writes entries through a slog JSON handler. It is owned by the caller
// and passed to the pipeline explicitly.
type Log struct {
	path    string
	out     io.Writer
	handler slog.Handler
	clock   clock.Clock
}

// Path returns the default error log location under the cache directory.
func Path(cacheDir string) string {
	return filepath.Join(cacheDir, "log", DefaultFileName)
}

// New opens the error log at path.
func New(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:  path,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.out == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, oops.In("errlog").With("file_path", path).Wrapf(err, "mkdir error")
		}
		l.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
		}
	}
	l.handler = slog.NewJSONHandler(l.out, &slog.HandlerOptions{Level: slog.LevelDebug})
	return l, nil
}

// Log appends e. A write failure is returned, since a run that cannot record
// what it skipped must not continue.
func (l *Log) Log(ctx context.Context, e Entry) error {
	level := slog.LevelError
	if e.Kind == KindWarning {
		level = slog.LevelWarn
	}

	r := slog.NewRecord(l.clock.Now(), level, string(e.Kind), 0)
	r.AddAttrs(slog.String("source", e.Source))
	if e.Line > 0 {
		r.AddAttrs(slog.Int("line", e.Line))
	}
	if e.CveID != "" {
		r.AddAttrs(slog.String("cve_id", e.CveID))
	}
	if e.Field != "" {
		r.AddAttrs(slog.String("field", e.Field))
	}
	if e.Err != nil {
		r.AddAttrs(slog.String("error", e.Err.Error()))
	}
	if e.Input != "" {
		r.AddAttrs(slog.String("input", truncate(e.Input, maxInputBytes)))
	}

	if err := l.handler.Handle(ctx, r); err != nil {
		return oops.In("errlog").With("file_path", l.path).Wrapf(err, "error log write error")
	}
	return nil
}

func (l *Log) Close() error {
	c, ok := l.out.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return oops.In("errlog").With("file_path", l.path).Wrapf(err, "close error")
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
