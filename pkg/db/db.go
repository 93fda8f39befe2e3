package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

const (
	driverName = "sqlite"
	TableName  = "cve_records"

	// BusyTimeout is how long a connection waits on a locked database, in milliseconds.
	BusyTimeout = 30000

	SchemaVersion = 1
)

var ErrNotFound = xerrors.New("record not found")

type column struct {
	name string
	decl string
}

// columns lists every column of cve_records. Columns missing from an existing
// table are added by Init.
var columns = []column{
	{"cve_id", "TEXT PRIMARY KEY"},
	{"title", "TEXT"},
	{"description", "TEXT"},
	{"severity", "TEXT"},
	{"cvss_v2_score", "REAL"},
	{"cvss_v3_score", "REAL"},
	{"publish_date", "TEXT"},
	{"update_date", "TEXT"},
	{"attack_vector", "TEXT"},
	{"privileges_required", "TEXT"},
	{"user_interaction", "TEXT"},
	{"confidentiality_impact", "TEXT"},
	{"integrity_impact", "TEXT"},
	{"availability_impact", "TEXT"},
	{"feed_version", "TEXT"},
	{"epss_score", "REAL"},
	{"epss_percentile", "REAL"},
	{"vendors", "TEXT NOT NULL DEFAULT '[]'"},
	{"products", "TEXT NOT NULL DEFAULT '[]'"},
	{"references", "TEXT NOT NULL DEFAULT '[]'"},
	{"cwe_ids", "TEXT NOT NULL DEFAULT '[]'"},
	{"poc_sources", "TEXT NOT NULL DEFAULT '[]'"},
	{"sources", "TEXT NOT NULL DEFAULT '[]'"},
	{"is_in_kev", "INTEGER NOT NULL DEFAULT 0"},
	{"exploit_exists", "INTEGER NOT NULL DEFAULT 0"},
	{"poc_risk_label", "TEXT"},
	{"poc_repo_count", "INTEGER"},
	{"extra", "TEXT"},
	{"raw_data", "TEXT"},
}

var indices = []string{"publish_date", "severity", "is_in_kev"}

// SelectColumns is the select list matching types.StoredRecord.
var SelectColumns = strings.Join(lo.Map(columns, func(c column, _ int) string {
	return quote(c.name)
}), ", ")

// upsertSQL writes every column except the legacy raw_data bag.
var upsertSQL = func() string {
	cols := lo.Filter(columns, func(c column, _ int) bool { return c.name != "raw_data" })
	names := lo.Map(cols, func(c column, _ int) string { return quote(c.name) })
	params := lo.Map(cols, func(c column, _ int) string { return ":" + c.name })
	updates := lo.FilterMap(cols, func(c column, _ int) (string, bool) {
		return fmt.Sprintf("%s = excluded.%s", quote(c.name), quote(c.name)), c.name != "cve_id"
	})
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(cve_id) DO UPDATE SET %s",
		TableName, strings.Join(names, ", "), strings.Join(params, ", "), strings.Join(updates, ", "))
}()

func quote(name string) string {
	return `"` + name + `"`
}

// Store is the consolidated CVE record table.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *log.Logger
}

// Path returns the database file under the cache directory.
func Path(cacheDir string) string {
	return filepath.Join(cacheDir, "db", "tianlu.db")
}

// DSN builds the connection string: a 30s busy timeout, WAL journal, and write
// transactions that take the lock at BEGIN.
func DSN(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, BusyTimeout)
}

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open opens the database at path, creating its directory when needed.
// Call Init before the first write to a new file.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, oops.In("db").With("file_path", path).Wrapf(err, "mkdir error")
	}
	return open(path)
}

// OpenExisting opens a database file that must already exist. Nothing is
// created and the schema is left as it is.
func OpenExisting(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, oops.In("db").With("file_path", path).Wrapf(err, "db stat error")
	}
	return open(path)
}

func open(path string) (*Store, error) {
	eb := oops.In("db").With("file_path", path)

	db, err := sqlx.Open(driverName, DSN(path))
	if err != nil {
		return nil, eb.Wrapf(err, "db open error")
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, eb.Wrapf(err, "db ping error")
	}

	return &Store{
		db:     db,
		path:   path,
		logger: log.WithPrefix("db"),
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.In("db").With("file_path", s.path).Wrapf(err, "db close error")
	}
	return nil
}

// Init creates the table and its indices, then adds any column an older table
// lacks. Existing columns are never altered or dropped.
func (s *Store) Init(ctx context.Context) error {
	eb := oops.In("db").With("file_path", s.path)

	defs := lo.Map(columns, func(c column, _ int) string { return quote(c.name) + " " + c.decl })
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", TableName, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return eb.Wrapf(err, "create table error")
	}

	var existing []string
	if err := s.db.SelectContext(ctx, &existing, "SELECT name FROM pragma_table_info(?)", TableName); err != nil {
		return eb.Wrapf(err, "table info error")
	}
	have := lo.SliceToMap(existing, func(n string) (string, struct{}) { return n, struct{}{} })

	for _, c := range columns {
		if _, ok := have[c.name]; ok || c.name == "cve_id" {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", TableName, quote(c.name), c.decl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eb.With("column", c.name).Wrapf(err, "add column error")
		}
		s.logger.Info("Added column", log.String("column", c.name))
	}

	for _, col := range indices {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", TableName, col, TableName, quote(col))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eb.With("column", col).Wrapf(err, "create index error")
		}
	}
	return nil
}

// Get returns the record stored under id. The id is normalized first.
func (s *Store) Get(ctx context.Context, id string) (types.StoredRecord, error) {
	rec, err := get(ctx, s.db, types.NormalizeCveID(id))
	if err != nil {
		return types.StoredRecord{}, err
	}
	if rec == nil {
		return types.StoredRecord{}, oops.In("db").With("cve_id", id).Wrapf(ErrNotFound, "get error")
	}
	return *rec, nil
}

// Query is a filtered read over the record table.
type Query interface {
	SQL(selectClause string) (string, []any)
}

// Select runs q and returns the matching rows.
func (s *Store) Select(ctx context.Context, q Query) ([]types.StoredRecord, error) {
	query, args := q.SQL(fmt.Sprintf("SELECT %s FROM %s", SelectColumns, TableName))

	var recs []types.StoredRecord
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(query), args...); err != nil {
		return nil, oops.In("db").With("query", query).Wrapf(err, "select error")
	}
	return recs, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+TableName); err != nil {
		return 0, oops.In("db").Wrapf(err, "count error")
	}
	return n, nil
}

// Begin opens a write transaction. The write lock is taken immediately.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, oops.In("db").With("file_path", s.path).Wrapf(err, "begin error")
	}
	return &Tx{tx: tx}, nil
}

// Tx is a write transaction. It is not safe for concurrent use.
type Tx struct {
	tx *sqlx.Tx
}

// Lookup returns the stored record for an already normalized id, or nil.
func (t *Tx) Lookup(ctx context.Context, id string) (*types.StoredRecord, error) {
	return get(ctx, t.tx, id)
}

// Put inserts or replaces the record.
func (t *Tx) Put(ctx context.Context, rec types.StoredRecord) error {
	if _, err := t.tx.NamedExecContext(ctx, upsertSQL, rec); err != nil {
		return oops.In("db").With("cve_id", rec.CveID).Wrapf(err, "upsert error")
	}
	return nil
}

// Savepoint marks a point the transaction can be rolled back to without
// discarding earlier work.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	return t.exec(ctx, "SAVEPOINT "+quote(name))
}

// RollbackTo undoes everything after the savepoint and releases it.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := t.exec(ctx, "ROLLBACK TO SAVEPOINT "+quote(name)); err != nil {
		return err
	}
	return t.Release(ctx, name)
}

// Release keeps the work done since the savepoint.
func (t *Tx) Release(ctx context.Context, name string) error {
	return t.exec(ctx, "RELEASE SAVEPOINT "+quote(name))
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return oops.In("db").Wrapf(err, "commit error")
	}
	return nil
}

// Rollback discards the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return oops.In("db").Wrapf(err, "rollback error")
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, stmt string) error {
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return oops.In("db").With("statement", stmt).Wrapf(err, "exec error")
	}
	return nil
}

func get(ctx context.Context, q sqlx.QueryerContext, id string) (*types.StoredRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE cve_id = ?", SelectColumns, TableName)

	var rec types.StoredRecord
	err := sqlx.GetContext(ctx, q, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, oops.In("db").With("cve_id", id).Wrapf(err, "select error")
	}
	return &rec, nil
}
