package dbtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

// InitDB creates a fresh store in a temp dir and loads the fixture files into it.
// A fixture file is a YAML list of records in their JSON field names.
func InitDB(t *testing.T, fixtureFiles []string) *db.Store {
	t.Helper()

	store, err := db.Open(db.Path(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, f := range fixtureFiles {
		for _, rec := range loadFixture(t, f) {
			stored, err := rec.Encode()
			require.NoError(t, err, f)
			require.NoError(t, tx.Put(ctx, stored), f)
		}
	}
	require.NoError(t, tx.Commit())

	return store
}

func loadFixture(t *testing.T, path string) []types.CveRecord {
	t.Helper()

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw []any
	require.NoError(t, yaml.Unmarshal(b, &raw), path)

	j, err := json.Marshal(jsonCompatible(raw))
	require.NoError(t, err, path)

	var recs []types.CveRecord
	require.NoError(t, json.Unmarshal(j, &recs), path)
	return recs
}

// jsonCompatible converts the map[interface{}]interface{} values yaml.v2
// produces into maps encoding/json accepts.
func jsonCompatible(v any) any {
	switch v := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return m
	case []any:
		for i := range v {
			v[i] = jsonCompatible(v[i])
		}
		return v
	default:
		return v
	}
}
