package ingest_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tianlu-intel/tianlu-db/pkg/dbtest"
	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

type recorder struct {
	entries []errlog.Entry
	err     error
}

func (r *recorder) Log(_ context.Context, e errlog.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) kinds() []errlog.Kind {
	var kinds []errlog.Kind
	for _, e := range r.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestPipeline_Run(t *testing.T) {
	tests := []struct {
		name        string
		fixtures    []string
		source      string
		input       string
		batchSize   int
		maxLineSize int
		want        ingest.Summary
		wantKinds   []errlog.Kind
	}{
		{
			name:   "new records",
			source: "nvd",
			input: `{"cve_id":"CVE-2024-0001","severity":"HIGH"}
{"cve_id":"CVE-2024-0002"}
`,
			want: ingest.Summary{Source: "nvd", Lines: 2, Applied: 2, Created: 2, Commits: 1},
		},
		{
			name:     "updates existing",
			fixtures: []string{"testdata/fixtures/existing.yaml"},
			source:   "kev",
			input:    `{"cve_id":"cve-2024-0001","is_in_kev":true}`,
			want:     ingest.Summary{Source: "kev", Lines: 1, Applied: 1, Updated: 1, Commits: 1},
		},
		{
			name:   "blank and malformed lines",
			source: "nvd",
			input: `{"cve_id":"CVE-2024-0001"}


{"cve_id":
{"title":"no id"}
{"cve_id":"  "}
["not","an","object"]
{"cve_id":"CVE-2024-0002","extra":"not an object"}
{"cve_id":"CVE-2024-0003"}`,
			want: ingest.Summary{Source: "nvd", Lines: 7, Applied: 2, Created: 2, ParseErrors: 5, Commits: 1},
			wantKinds: []errlog.Kind{
				errlog.KindParse, errlog.KindParse, errlog.KindParse, errlog.KindParse, errlog.KindParse,
			},
		},
		{
			name:      "batches",
			source:    "epss",
			batchSize: 2,
			input: `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002"}
{"cve_id":"CVE-2024-0003"}
{"cve_id":"CVE-2024-0004"}
{"cve_id":"CVE-2024-0005"}`,
			want: ingest.Summary{Source: "epss", Lines: 5, Applied: 5, Created: 5, Commits: 3},
		},
		{
			name:      "exact batch boundary",
			source:    "epss",
			batchSize: 2,
			input: `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002"}`,
			want: ingest.Summary{Source: "epss", Lines: 2, Applied: 2, Created: 2, Commits: 1},
		},
		{
			name:   "same id twice in one batch",
			source: "nvd",
			input: `{"cve_id":"CVE-2024-0001","vendors":["acme"]}
{"cve_id":"cve-2024-0001","vendors":["beta"]}`,
			want: ingest.Summary{Source: "nvd", Lines: 2, Applied: 2, Created: 1, Updated: 1, Commits: 1},
		},
		{
			name:        "oversized line is skipped",
			source:      "nvd",
			maxLineSize: 32,
			input: `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002","title":"` + strings.Repeat("a", 100) + `"}
{"cve_id":"CVE-2024-0003"}
`,
			want:      ingest.Summary{Source: "nvd", Lines: 3, Applied: 2, Created: 2, ParseErrors: 1, Commits: 1},
			wantKinds: []errlog.Kind{errlog.KindParse},
		},
		{
			name:   "line over the default limit",
			source: "nvd",
			input: `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002","title":"` + strings.Repeat("a", ingest.MaxLineSize) + `"}
{"cve_id":"CVE-2024-0003"}`,
			want:      ingest.Summary{Source: "nvd", Lines: 3, Applied: 2, Created: 2, ParseErrors: 1, Commits: 1},
			wantKinds: []errlog.Kind{errlog.KindParse},
		},
		{
			name:   "CRLF line endings",
			source: "nvd",
			input:  "{\"cve_id\":\"CVE-2024-0001\"}\r\n\r\n{\"cve_id\":\"CVE-2024-0002\"}\r\n",
			want:   ingest.Summary{Source: "nvd", Lines: 2, Applied: 2, Created: 2, Commits: 1},
		},
		{
			name:   "empty input",
			source: "nvd",
			want:   ingest.Summary{Source: "nvd"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := dbtest.InitDB(t, tt.fixtures)
			rec := &recorder{}

			p := ingest.New(ingest.FromDB(store), rec,
				ingest.WithBatchSize(tt.batchSize),
				ingest.WithMaxLineSize(tt.maxLineSize),
			)
			got, err := p.Run(context.Background(), strings.NewReader(tt.input), tt.source)
			require.NoError(t, err)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKinds, rec.kinds())
			dbtest.Count(t, store, countAfter(tt.fixtures, got))
		})
	}
}

func TestPipeline_Run_OversizedLineLogged(t *testing.T) {
	store := dbtest.InitDB(t, nil)
	rec := &recorder{}

	input := `{"cve_id":"CVE-2024-0001","title":"` + strings.Repeat("a", 64) + "\"}\n"
	_, err := ingest.New(ingest.FromDB(store), rec, ingest.WithMaxLineSize(16)).
		Run(context.Background(), strings.NewReader(input), "nvd")
	require.NoError(t, err)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, 1, rec.entries[0].Line)
	assert.Equal(t, `{"cve_id":"CVE-2`, rec.entries[0].Input)
	assert.ErrorIs(t, rec.entries[0].Err, ingest.ErrLineTooLong)
	dbtest.Count(t, store, 0)
}

func countAfter(fixtures []string, s ingest.Summary) int {
	return len(fixtures) + s.Created
}

func TestPipeline_Run_Scenario(t *testing.T) {
	ctx := context.Background()
	store := dbtest.InitDB(t, nil)
	p := ingest.New(ingest.FromDB(store), &recorder{})

	_, err := p.Run(ctx, strings.NewReader(`{"cve_id":"CVE-2024-0001","severity":"HIGH","vendors":["acme"]}`), "nvd")
	require.NoError(t, err)
	_, err = p.Run(ctx, strings.NewReader(`{"cve_id":"cve-2024-0001","is_in_kev":true,"vendors":["acme-labs"]}`), "kev")
	require.NoError(t, err)

	want := map[string]any{
		"cve_id":         "CVE-2024-0001",
		"severity":       "HIGH",
		"vendors":        []string{"acme", "acme-labs"},
		"products":       []string{},
		"references":     []string{},
		"cwe_ids":        []string{},
		"poc_sources":    []string{},
		"sources":        []string{"kev", "nvd"},
		"is_in_kev":      true,
		"exploit_exists": false,
	}
	dbtest.JSONEq(t, store, "CVE-2024-0001", want)

	// Re-ingesting the same line changes nothing.
	_, err = p.Run(ctx, strings.NewReader(`{"cve_id":"cve-2024-0001","is_in_kev":true,"vendors":["acme-labs"]}`), "kev")
	require.NoError(t, err)
	dbtest.JSONEq(t, store, "CVE-2024-0001", want)
	dbtest.Count(t, store, 1)
}

func TestPipeline_Run_CorruptStoredColumn(t *testing.T) {
	ctx := context.Background()
	store := dbtest.InitDB(t, nil)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	corrupt, err := types.CveRecord{CveID: "CVE-2024-0001", Sources: []string{"nvd"}}.Encode()
	require.NoError(t, err)
	corrupt.Vendors = sql.Null[string]{V: "{broken", Valid: true}
	require.NoError(t, tx.Put(ctx, corrupt))
	require.NoError(t, tx.Commit())

	rec := &recorder{}
	got, err := ingest.New(ingest.FromDB(store), rec).
		Run(ctx, strings.NewReader(`{"cve_id":"CVE-2024-0001","vendors":["acme"]}`), "kev")
	require.NoError(t, err)

	assert.Equal(t, 1, got.Applied)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, errlog.KindWarning, rec.entries[0].Kind)
	assert.Equal(t, "vendors", rec.entries[0].Field)
	assert.Equal(t, "CVE-2024-0001", rec.entries[0].CveID)

	stored, err := store.Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, `["acme"]`, stored.Vendors.V)
	assert.Equal(t, `["kev","nvd"]`, stored.Sources.V)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Begin(ctx context.Context) (ingest.Tx, error) {
	args := m.Called(ctx)
	tx, _ := args.Get(0).(ingest.Tx)
	return tx, args.Error(1)
}

type mockTx struct {
	mock.Mock
}

func (m *mockTx) Lookup(ctx context.Context, id string) (*types.StoredRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*types.StoredRecord)
	return rec, args.Error(1)
}

func (m *mockTx) Put(ctx context.Context, rec types.StoredRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockTx) Savepoint(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockTx) RollbackTo(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockTx) Release(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockTx) Commit() error {
	return m.Called().Error(0)
}

func (m *mockTx) Rollback() error {
	return m.Called().Error(0)
}

func TestPipeline_Run_Failures(t *testing.T) {
	input := `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002"}
{"cve_id":"CVE-2024-0003"}`

	tests := []struct {
		name      string
		setup     func(s *mockStore, tx *mockTx, rec *recorder)
		want      ingest.Summary
		wantErr   string
		wantKinds []errlog.Kind
	}{
		{
			name: "put failure is isolated",
			setup: func(s *mockStore, tx *mockTx, _ *recorder) {
				s.On("Begin", mock.Anything).Return(tx, nil)
				tx.On("Savepoint", mock.Anything, mock.Anything).Return(nil)
				tx.On("Release", mock.Anything, mock.Anything).Return(nil)
				tx.On("RollbackTo", mock.Anything, mock.Anything).Return(nil).Once()
				tx.On("Lookup", mock.Anything, mock.Anything).Return(nil, nil)
				tx.On("Put", mock.Anything, mock.MatchedBy(func(r types.StoredRecord) bool {
					return r.CveID == "CVE-2024-0002"
				})).Return(errors.New("constraint failed"))
				tx.On("Put", mock.Anything, mock.Anything).Return(nil)
				tx.On("Commit").Return(nil)
			},
			want:      ingest.Summary{Source: "nvd", Lines: 3, Applied: 2, Created: 2, RecordErrors: 1, Commits: 1},
			wantKinds: []errlog.Kind{errlog.KindRecord},
		},
		{
			name: "lookup failure is isolated",
			setup: func(s *mockStore, tx *mockTx, _ *recorder) {
				s.On("Begin", mock.Anything).Return(tx, nil)
				tx.On("Savepoint", mock.Anything, mock.Anything).Return(nil)
				tx.On("RollbackTo", mock.Anything, mock.Anything).Return(nil).Times(3)
				tx.On("Lookup", mock.Anything, mock.Anything).Return(nil, errors.New("disk I/O error"))
				tx.On("Commit").Return(nil)
			},
			want:      ingest.Summary{Source: "nvd", Lines: 3, RecordErrors: 3},
			wantKinds: []errlog.Kind{errlog.KindRecord, errlog.KindRecord, errlog.KindRecord},
		},
		{
			name: "begin failure",
			setup: func(s *mockStore, _ *mockTx, _ *recorder) {
				s.On("Begin", mock.Anything).Return(nil, errors.New("database is locked"))
			},
			want:    ingest.Summary{Source: "nvd"},
			wantErr: "database is locked",
		},
		{
			name: "commit failure is fatal",
			setup: func(s *mockStore, tx *mockTx, _ *recorder) {
				s.On("Begin", mock.Anything).Return(tx, nil)
				tx.On("Savepoint", mock.Anything, mock.Anything).Return(nil)
				tx.On("Release", mock.Anything, mock.Anything).Return(nil)
				tx.On("Lookup", mock.Anything, mock.Anything).Return(nil, nil)
				tx.On("Put", mock.Anything, mock.Anything).Return(nil)
				tx.On("Commit").Return(errors.New("database is locked"))
				tx.On("Rollback").Return(nil).Once()
			},
			want:    ingest.Summary{Source: "nvd", Lines: 3, Applied: 3, Created: 3},
			wantErr: "commit error",
		},
		{
			name: "savepoint failure is fatal",
			setup: func(s *mockStore, tx *mockTx, _ *recorder) {
				s.On("Begin", mock.Anything).Return(tx, nil)
				tx.On("Savepoint", mock.Anything, mock.Anything).Return(errors.New("no such savepoint"))
				tx.On("Rollback").Return(nil).Once()
			},
			want:    ingest.Summary{Source: "nvd", Lines: 1},
			wantErr: "savepoint error",
		},
		{
			name: "error log failure is fatal",
			setup: func(s *mockStore, tx *mockTx, rec *recorder) {
				rec.err = errors.New("read-only file system")
				s.On("Begin", mock.Anything).Return(tx, nil)
				tx.On("Savepoint", mock.Anything, mock.Anything).Return(nil)
				tx.On("RollbackTo", mock.Anything, mock.Anything).Return(nil)
				tx.On("Lookup", mock.Anything, mock.Anything).Return(nil, errors.New("disk I/O error"))
				tx.On("Rollback").Return(nil).Once()
			},
			want:    ingest.Summary{Source: "nvd", Lines: 1, RecordErrors: 1},
			wantErr: "read-only file system",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, tx, rec := &mockStore{}, &mockTx{}, &recorder{}
			tt.setup(s, tx, rec)

			got, err := ingest.New(s, rec).Run(context.Background(), strings.NewReader(input), "nvd")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKinds, rec.kinds())
			s.AssertExpectations(t)
			tx.AssertExpectations(t)
		})
	}
}

func TestPipeline_Run_CommitsBeforeFailure(t *testing.T) {
	ctx := context.Background()
	store := dbtest.InitDB(t, nil)

	input := `{"cve_id":"CVE-2024-0001"}
{"cve_id":"CVE-2024-0002"}
{"cve_id":"CVE-2024-0003"}
`
	r := io.MultiReader(strings.NewReader(input), iotest.ErrReader(errors.New("connection reset")))

	got, err := ingest.New(ingest.FromDB(store), &recorder{}, ingest.WithBatchSize(2)).
		Run(ctx, r, "nvd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input read error")
	assert.Equal(t, 1, got.Commits)

	// The committed batch survives; the open tail is rolled back.
	dbtest.Count(t, store, 2)
	dbtest.NotFound(t, store, "CVE-2024-0003")
}
