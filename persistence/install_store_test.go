package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *InstallStore {
	t.Helper()
	store, err := NewInstallStore(filepath.Join(t.TempDir(), "state", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInstallStoreChecks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.LastCheck(ctx, "cueimports")
	require.NoError(t, err)
	require.False(t, ok)

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.RecordCheck(ctx, ReleaseCheck{Tool: "cueimports", Tag: "v0.1.0", CheckedAt: first}))
	second := first.Add(time.Hour)
	require.NoError(t, store.RecordCheck(ctx, ReleaseCheck{Tool: "cueimports", Tag: "v0.2.0", CheckedAt: second}))

	check, ok, err := store.LastCheck(ctx, "cueimports")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v0.2.0", check.Tag)
	assert.True(t, second.Equal(check.CheckedAt))
}

func TestInstallStoreInstalls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, tag := range []string{"v0.1.0", "v0.2.0", "v0.3.0"} {
		_, err := store.RecordInstall(ctx, InstallRecord{
			Tool:        "cueimports",
			Tag:         tag,
			Asset:       "cueimports_linux_amd64.tar.gz",
			Path:        "/home/u/.bin/cueimports",
			InstalledAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := store.RecordInstall(ctx, InstallRecord{Tool: "other", Tag: "v1", InstalledAt: base})
	require.NoError(t, err)

	records, err := store.ListInstalls(ctx, "cueimports", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "v0.3.0", records[0].Tag)
	assert.Equal(t, "v0.2.0", records[1].Tag)

	all, err := store.ListInstalls(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestInstallStoreRejectsEmptyTool(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.RecordCheck(context.Background(), ReleaseCheck{}))
	_, err := store.RecordInstall(context.Background(), InstallRecord{})
	require.Error(t, err)
}
