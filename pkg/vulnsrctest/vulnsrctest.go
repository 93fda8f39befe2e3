package vulnsrctest

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tianlu-intel/tianlu-db/pkg/dbtest"
	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

type Collector interface {
	Name() types.SourceID
	Collect(ctx context.Context, dir string, emit types.EmitFunc) error
}

type TestCollectArgs struct {
	Dir     string
	Want    []types.PartialRecord
	WantErr string
}

// TestCollect runs the collector over args.Dir and compares the emitted
// records, ordered by CVE ID, with args.Want.
func TestCollect(t *testing.T, vulnsrc Collector, args TestCollectArgs) {
	t.Helper()

	var got []types.PartialRecord
	err := vulnsrc.Collect(context.Background(), args.Dir, func(rec types.PartialRecord) error {
		got = append(got, rec)
		return nil
	})
	if args.WantErr != "" {
		require.Error(t, err)
		assert.Contains(t, err.Error(), args.WantErr)
		return
	}
	require.NoError(t, err)

	slices.SortStableFunc(got, func(a, b types.PartialRecord) int {
		return strings.Compare(a.CveID, b.CveID)
	})
	assert.Equal(t, args.Want, got)
}

type WantValues struct {
	CveID string
	Value any
}

type TestIngestArgs struct {
	Dir        string
	Fixtures   []string
	WantValues []WantValues
	WantCount  int
}

// TestIngest collects args.Dir as JSON lines, ingests them into a store
// seeded with args.Fixtures and checks the consolidated records.
func TestIngest(t *testing.T, vulnsrc Collector, args TestIngestArgs) {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	err := vulnsrc.Collect(context.Background(), args.Dir, func(rec types.PartialRecord) error {
		return enc.Encode(rec)
	})
	require.NoError(t, err)

	store := dbtest.InitDB(t, args.Fixtures)
	errLog, err := errlog.New(errlog.Path(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = errLog.Close() })

	summary, err := ingest.New(ingest.FromDB(store), errLog).Run(context.Background(), &buf, string(vulnsrc.Name()))
	require.NoError(t, err)
	assert.Zero(t, summary.ParseErrors)
	assert.Zero(t, summary.RecordErrors)

	for _, want := range args.WantValues {
		dbtest.JSONEq(t, store, want.CveID, want.Value, want.CveID)
	}
	dbtest.Count(t, store, args.WantCount)
}
