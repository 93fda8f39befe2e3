package dbtest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
)

// JSONEq decodes the stored record and compares its JSON form with want.
func JSONEq(t *testing.T, store *db.Store, cveID string, want any, msgAndArgs ...any) {
	t.Helper()

	wantByte, err := json.Marshal(want)
	require.NoError(t, err, msgAndArgs...)

	stored, err := store.Get(context.Background(), cveID)
	require.NoError(t, err, msgAndArgs...)

	rec, errs := stored.Decode()
	require.Empty(t, errs, msgAndArgs...)

	got, err := json.Marshal(rec)
	require.NoError(t, err, msgAndArgs...)

	assert.JSONEq(t, string(wantByte), string(got), msgAndArgs...)
}

// NotFound asserts that nothing is stored under cveID.
func NotFound(t *testing.T, store *db.Store, cveID string, msgAndArgs ...any) {
	t.Helper()

	_, err := store.Get(context.Background(), cveID)
	assert.ErrorIs(t, err, db.ErrNotFound, msgAndArgs...)
}

// Count asserts the number of stored records.
func Count(t *testing.T, store *db.Store, want int, msgAndArgs ...any) {
	t.Helper()

	got, err := store.Count(context.Background())
	require.NoError(t, err, msgAndArgs...)
	assert.Equal(t, want, got, msgAndArgs...)
}
