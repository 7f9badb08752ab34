package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemapwatch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingRoot", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "snapshots", "nested")
		store, err := local.New(local.Config{BaseDir: root})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(root)
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Empty(t, entries, "write check file must be removed")
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		root := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(root, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup.
			_ = os.Chmod(root, 0o700)
		})
		_, err := local.New(local.Config{BaseDir: root})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesAndReadsBack", func(t *testing.T) {
		key := "sitemaps/site-1/map-1/abc123.xml"
		data := []byte("<urlset></urlset>")
		uri, err := store.PutObject(ctx, key, "application/xml", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(root, key), uri)

		got, err := store.ReadObject(key)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		entries, err := os.ReadDir(filepath.Join(root, "sitemaps/site-1/map-1"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "application/xml", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("Escapes", func(t *testing.T) {
		for _, key := range []string{"../escape.xml", "a/../../escape.xml", ".."} {
			_, err := store.PutObject(ctx, key, "application/xml", []byte("x"))
			assert.Error(t, err, key)
		}
		_, err := store.ReadObject("../outside")
		assert.Error(t, err)
	})

	t.Run("ExistingSnapshotIsKept", func(t *testing.T) {
		key := "dup/same.xml"
		_, err := store.PutObject(ctx, key, "application/xml", []byte("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, key, "application/xml", []byte("second"))
		require.NoError(t, err)

		got, err := store.ReadObject(key)
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
	})

	t.Run("MissingSnapshot", func(t *testing.T) {
		_, err := store.ReadObject("nope.xml")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
