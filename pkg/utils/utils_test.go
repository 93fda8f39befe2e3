package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name string, content string) {
	t.Helper()
	err := os.WriteFile(name, []byte(content), 0o666)
	require.NoError(t, err)
}

func TestFileWalk(t *testing.T) {
	td := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(td, "dir"), 0o755))
	write(t, filepath.Join(td, "dir/foo1"), "")
	write(t, filepath.Join(td, "dir/foo2"), "")
	write(t, filepath.Join(td, "dir/foo3"), "foo3")

	var (
		sawDir, sawEmpty bool
		contentFoo3      []byte
	)
	walker := func(r io.Reader, path string) error {
		switch {
		case strings.HasSuffix(path, "dir"):
			sawDir = true
		case strings.HasSuffix(path, "foo1"), strings.HasSuffix(path, "foo2"):
			sawEmpty = true
		case strings.HasSuffix(path, "foo3"):
			var err error
			contentFoo3, err = io.ReadAll(r)
			return err
		}
		return nil
	}

	require.NoError(t, FileWalk(td, walker))
	assert.False(t, sawDir, "directories must not be passed to walkFn")
	assert.False(t, sawEmpty, "an empty file must not be passed to walkFn")
	assert.Equal(t, "foo3", string(contentFoo3))
}

func TestFileWalk_Error(t *testing.T) {
	td := t.TempDir()
	write(t, filepath.Join(td, "broken.json"), "{")

	err := FileWalk(td, func(r io.Reader, path string) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "file walk error")

	err = FileWalk(filepath.Join(td, "missing"), func(io.Reader, string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "walk dir error")
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-01-10T08:15:30.123", "2024-01-10T08:15:30Z"},
		{"2024-01-10T08:15:30", "2024-01-10T08:15:30Z"},
		{"2024-01-10T17:15:30+09:00", "2024-01-10T08:15:30Z"},
		{"2024-01-10", "2024-01-10"},
		{"not a date", "not a date"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTimestamp(tt.in))
		})
	}
}
