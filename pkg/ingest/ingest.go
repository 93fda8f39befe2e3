// Package ingest applies a stream of partial CVE records to the store.
//
// Records are applied in write transactions of BatchSize records. Each record
// runs inside its own savepoint, so a record that fails is undone without
// touching the rest of the open batch. Lines that cannot be parsed and records
// that fail are written to the error log and skipped; only store, input and
// error log failures abort a run.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/samber/oops"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/merge"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

const (
	DefaultBatchSize = 500

	// MaxLineSize bounds a single input line.
	MaxLineSize = 64 << 20

	savepoint = "ingest_record"
)

var (
	ErrMissingID   = xerrors.New("missing cve_id")
	ErrLineTooLong = xerrors.New("line too long")
)

// Tx is the write transaction the pipeline needs.
type Tx interface {
	Lookup(ctx context.Context, id string) (*types.StoredRecord, error)
	Put(ctx context.Context, rec types.StoredRecord) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Commit() error
	Rollback() error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// ErrorLogger receives every skipped line and record.
type ErrorLogger interface {
	Log(ctx context.Context, e errlog.Entry) error
}

// Summary counts what a run did. Lines excludes blank lines.
type Summary struct {
	Source       string
	Lines        int
	Applied      int
	Created      int
	Updated      int
	ParseErrors  int
	RecordErrors int
	Commits      int
}

type Option func(*Pipeline)

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithMaxLineSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxLineSize = n
		}
	}
}

type Pipeline struct {
	store       Store
	errLog      ErrorLogger
	batchSize   int
	maxLineSize int
	logger      *log.Logger
}

func New(store Store, errLog ErrorLogger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		errLog:    errLog,
		batchSize:   DefaultBatchSize,
		maxLineSize: MaxLineSize,
		logger:      log.WithPrefix("ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run reads newline-delimited partial records from r and applies them as
// coming from source. On a fatal error the open batch is rolled back and the
// summary so far is returned with the error.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, source string) (Summary, error) {
	eb := oops.In("ingest").With("source", source)
	sum := Summary{Source: source}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return sum, eb.Wrapf(err, "begin error")
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	lines := newLineReader(r, p.maxLineSize)

	var lineNo, pending int
	for {
		line, tooLong, err := lines.next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return sum, eb.With("line", lineNo+1).Wrapf(err, "input read error")
		}
		lineNo++
		if !tooLong && len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		sum.Lines++

		var rec types.PartialRecord
		if tooLong {
			err = ErrLineTooLong
		} else {
			rec, err = parse(line)
		}
		if err != nil {
			sum.ParseErrors++
			if err = p.errLog.Log(ctx, errlog.Entry{
				Kind:   errlog.KindParse,
				Source: source,
				Line:   lineNo,
				Input:  string(line),
				Err:    err,
			}); err != nil {
				return sum, err
			}
			continue
		}

		res, err := p.applyRecord(ctx, tx, rec, source)
		if err != nil {
			return sum, eb.With("line", lineNo).With("cve_id", rec.CveID).Wrapf(err, "savepoint error")
		}
		for _, w := range res.warnings {
			if err = p.errLog.Log(ctx, errlog.Entry{
				Kind:   errlog.KindWarning,
				Source: source,
				Line:   lineNo,
				CveID:  w.CveID,
				Field:  w.Field,
				Err:    w.Err,
			}); err != nil {
				return sum, err
			}
		}
		if res.err != nil {
			sum.RecordErrors++
			p.logger.Debug("Record skipped", log.CveID(rec.CveID), log.Err(res.err))
			if err = p.errLog.Log(ctx, errlog.Entry{
				Kind:   errlog.KindRecord,
				Source: source,
				Line:   lineNo,
				CveID:  rec.CveID,
				Err:    res.err,
			}); err != nil {
				return sum, err
			}
			continue
		}

		sum.Applied++
		if res.created {
			sum.Created++
		} else {
			sum.Updated++
		}

		pending++
		if pending < p.batchSize {
			continue
		}

		if err = tx.Commit(); err != nil {
			return sum, eb.With("line", lineNo).Wrapf(err, "batch commit error")
		}
		sum.Commits++
		pending = 0
		p.logger.Debug("Batch committed", log.Source(source), log.Int("applied", sum.Applied))

		if err = ctx.Err(); err != nil {
			tx = nil
			return sum, eb.Wrapf(err, "ingestion canceled")
		}
		if tx, err = p.store.Begin(ctx); err != nil {
			tx = nil
			return sum, eb.Wrapf(err, "begin error")
		}
	}
	if err = tx.Commit(); err != nil {
		return sum, eb.Wrapf(err, "commit error")
	}
	tx = nil
	if pending > 0 {
		sum.Commits++
	}

	p.logger.Info("Ingestion finished",
		log.Source(source),
		log.Int("lines", sum.Lines),
		log.Int("applied", sum.Applied),
		log.Int("created", sum.Created),
		log.Int("updated", sum.Updated),
		log.Int("parse_errors", sum.ParseErrors),
		log.Int("record_errors", sum.RecordErrors),
	)
	return sum, nil
}

type result struct {
	created  bool
	warnings []merge.Warning
	err      error
}

// applyRecord merges one record inside a savepoint. A failure of the record
// itself is reported in result.err and its effects are rolled back; the
// returned error means the savepoint machinery failed.
func (p *Pipeline) applyRecord(ctx context.Context, tx Tx, rec types.PartialRecord, source string) (result, error) {
	if err := tx.Savepoint(ctx, savepoint); err != nil {
		return result{}, err
	}

	res := p.merge(ctx, tx, rec, source)
	if res.err != nil {
		if err := tx.RollbackTo(ctx, savepoint); err != nil {
			return result{}, err
		}
		return res, nil
	}

	if err := tx.Release(ctx, savepoint); err != nil {
		return result{}, err
	}
	return res, nil
}

func (p *Pipeline) merge(ctx context.Context, tx Tx, rec types.PartialRecord, source string) result {
	existing, err := tx.Lookup(ctx, rec.CveID)
	if err != nil {
		return result{err: err}
	}

	merged, warnings, err := merge.Merge(existing, rec, source)
	if err != nil {
		return result{warnings: warnings, err: err}
	}

	if err = tx.Put(ctx, merged); err != nil {
		return result{warnings: warnings, err: err}
	}
	return result{created: existing == nil, warnings: warnings}
}

// lineReader splits input into lines of at most limit bytes. A longer line
// is consumed up to its newline and returned cut to limit bytes.
type lineReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{
		r:     bufio.NewReaderSize(r, 64*1024),
		limit: limit,
	}
}

// next returns the next line without its line ending, and io.EOF once the
// input is exhausted.
func (lr *lineReader) next() ([]byte, bool, error) {
	lr.buf = lr.buf[:0]
	var read, tooLong bool
	for {
		chunk, err := lr.r.ReadSlice('\n')
		read = read || len(chunk) > 0
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if !tooLong {
			if room := lr.limit - len(lr.buf); len(chunk) > room {
				lr.buf = append(lr.buf, chunk[:room]...)
				tooLong = true
			} else {
				lr.buf = append(lr.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			return bytes.TrimSuffix(lr.buf, []byte("\r")), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, false, io.EOF
			}
			return bytes.TrimSuffix(lr.buf, []byte("\r")), tooLong, nil
		default:
			return nil, false, err
		}
	}
}

func parse(line []byte) (types.PartialRecord, error) {
	var rec types.PartialRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return types.PartialRecord{}, err
	}
	rec.CveID = types.NormalizeCveID(rec.CveID)
	if rec.CveID == "" {
		return types.PartialRecord{}, ErrMissingID
	}
	return rec, nil
}

// FromDB adapts a *db.Store to Store.
func FromDB(s *db.Store) Store {
	return dbStore{s}
}

type dbStore struct {
	store *db.Store
}

func (s dbStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
