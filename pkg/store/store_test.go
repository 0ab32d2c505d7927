package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mcphub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPendingAuthorization_TakeDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePendingAuthorization(ctx, PendingAuthorization{
		State:        "state-1",
		ServerID:     "github",
		CodeVerifier: "verifier",
		RedirectURL:  "http://localhost:8700/oauth/callback",
	}))

	p, err := s.TakePendingAuthorization(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "github", p.ServerID)
	assert.Equal(t, "verifier", p.CodeVerifier)
	assert.False(t, p.CreatedAt.IsZero())

	_, err = s.TakePendingAuthorization(ctx, "state-1")
	assert.True(t, errors.Is(err, mcperr.ErrNotFound))
}

func TestPendingAuthorization_PruneByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.SavePendingAuthorization(ctx, PendingAuthorization{State: "old", ServerID: "a", CodeVerifier: "v", CreatedAt: now.Add(-30 * time.Minute)}))
	require.NoError(t, s.SavePendingAuthorization(ctx, PendingAuthorization{State: "new", ServerID: "b", CodeVerifier: "v"}))

	removed, err := s.PrunePendingAuthorizations(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.TakePendingAuthorization(ctx, "new")
	assert.NoError(t, err)

	removed, err = s.PrunePendingAuthorizations(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestInstallRecords_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := InstallRecord{
		ID:         "inst_abc",
		ServerID:   "filesystem",
		Name:       "Filesystem",
		Source:     "npm",
		Package:    "@modelcontextprotocol/server-filesystem",
		Version:    "latest",
		InstallDir: "/tmp/mcphub/filesystem",
		Definition: mcpmgr.ServerDefinition{
			ID:      "filesystem",
			Command: "node",
			Args:    []string{"/tmp/mcphub/filesystem/node_modules/.bin/mcp-server-filesystem"},
		},
		InstalledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveInstall(ctx, rec))

	got, err := s.GetInstall(ctx, "inst_abc")
	require.NoError(t, err)
	assert.Equal(t, rec.Definition.Args, got.Definition.Args)
	assert.True(t, rec.InstalledAt.Equal(got.InstalledAt))

	rec.Version = "1.2.0"
	require.NoError(t, s.SaveInstall(ctx, rec))
	all, err := s.ListInstalls(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1.2.0", all[0].Version)

	require.NoError(t, s.DeleteInstall(ctx, "inst_abc"))
	_, err = s.GetInstall(ctx, "inst_abc")
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))
	assert.NoError(t, s.DeleteInstall(ctx, "inst_abc"))
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	list, err := s.ListInstalls(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
