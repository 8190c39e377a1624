// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docket-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	notADir := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(notADir, []byte("sqlite"), 0o600))

	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{"creates missing data dir", filepath.Join(t.TempDir(), "data"), false},
		{"empty base dir", "", true},
		{"base dir is a file", notADir, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := local.New(local.Config{BaseDir: tc.baseDir})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.DirExists(t, tc.baseDir)
			assert.NotNil(t, store)
		})
	}
}

func TestNewReadOnlyDataDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	tempDir := t.TempDir()
	// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
	require.NoError(t, os.Chmod(tempDir, 0o500))
	t.Cleanup(func() {
		// #nosec G302 -- reverting permissions to allow cleanup.
		_ = os.Chmod(tempDir, 0o700)
	})

	_, err := local.New(local.Config{BaseDir: tempDir})
	assert.Error(t, err)
}

func TestPutObjectWritesSidecarsAndPages(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	objects := map[string]string{
		"artifacts/A40-1234_2024.json": `{"case_key":"A40-1234/2024"}`,
		"metadata/2024-06-01-1.json":   `{"date":"2024-06-01","page":1,"items":[]}`,
	}
	for name, body := range objects {
		uri, err := store.PutObject(context.Background(), name, "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, name), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, name))
		require.NoError(t, err)
		assert.JSONEq(t, body, string(got))
	}

	_, err = store.PutObject(context.Background(), "", "application/json", bytes.NewReader([]byte("{}")))
	assert.Error(t, err, "empty object name")
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", bytes.NewReader([]byte("{}")))
	assert.Error(t, err)
}

func TestPutObjectOverwritesAtomically(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "state/notifications.json", "application/json", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "state/notifications.json", "application/json", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	got, err := store.GetObject(ctx, "state/notifications.json")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	leftovers, err := filepath.Glob(filepath.Join(tempDir, "state", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"metadata/2024-05-02-1.json", "metadata/2024-05-01-2.json", "metadata/2024-05-01-1.json", "metadata/notes.txt"} {
		_, err := store.PutObject(ctx, name, "application/json", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}

	got, err := store.ListObjects(ctx, "metadata", "*.json")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"metadata/2024-05-01-1.json",
		"metadata/2024-05-01-2.json",
		"metadata/2024-05-02-1.json",
	}, got)

	_, err = store.GetObject(ctx, "metadata/missing.json")
	assert.Error(t, err)
}
