package gateway

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

func newUpdateService(t *testing.T, enabled bool, current string) (*UpdateService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "update-signal")
	logger := slog.New(slog.DiscardHandler)
	return NewUpdateService(enabled, path, current, logger), path
}

func TestUpdateDisabled(t *testing.T) {
	u, path := newUpdateService(t, false, "1.0.0")

	resp := u.Handle(&tunnel.UpdateRequest{TargetVersion: "2.0.0", RequestedBy: "agent"})
	assert.False(t, resp.Accepted)
	assert.Equal(t, tunnel.UpdateRejected, resp.Status)
	assert.Equal(t, "1.0.0", resp.CurrentVersion)
	assert.NoFileExists(t, path)
}

func TestUpdateRejectsNotNewer(t *testing.T) {
	u, path := newUpdateService(t, true, "2.1.0")

	for _, target := range []string{"2.1.0", "2.0.9", "V2.1.0", "1.0.0", "garbage"} {
		resp := u.Handle(&tunnel.UpdateRequest{TargetVersion: target, RequestedBy: "agent"})
		assert.False(t, resp.Accepted, "target %q", target)
		assert.Equal(t, tunnel.UpdateRejected, resp.Status, "target %q", target)
	}
	assert.NoFileExists(t, path)
	assert.False(t, u.Queued())
}

func TestUpdateQueuesAndWritesSignalFile(t *testing.T) {
	u, path := newUpdateService(t, true, "1.2.3")

	before := time.Now().UTC().Add(-time.Second)
	resp := u.Handle(&tunnel.UpdateRequest{TargetVersion: "1.3.0", RequestedBy: "agent"})
	require.True(t, resp.Accepted)
	assert.Equal(t, tunnel.UpdateQueued, resp.Status)
	assert.True(t, u.Queued())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var signal map[string]string
	require.NoError(t, json.Unmarshal(data, &signal))
	assert.Equal(t, "1.3.0", signal["targetVersion"])
	assert.Equal(t, "1.2.3", signal["currentVersion"])
	assert.Equal(t, "agent", signal["requestedBy"])

	requestedAt, err := time.Parse(time.RFC3339, signal["requestedAt"])
	require.NoError(t, err)
	assert.True(t, requestedAt.After(before))
	assert.True(t, requestedAt.Before(time.Now().UTC().Add(time.Second)))

	// Leftover temp files would confuse the external watcher.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "update-signal", entries[0].Name())
}

func TestUpdateAlreadyQueued(t *testing.T) {
	u, path := newUpdateService(t, true, "1.0.0")

	first := u.Handle(&tunnel.UpdateRequest{TargetVersion: "1.1.0", RequestedBy: "agent"})
	require.Equal(t, tunnel.UpdateQueued, first.Status)

	firstContents, err := os.ReadFile(path)
	require.NoError(t, err)

	second := u.Handle(&tunnel.UpdateRequest{TargetVersion: "1.2.0", RequestedBy: "agent"})
	assert.True(t, second.Accepted)
	assert.Equal(t, tunnel.UpdateAlreadyQueued, second.Status)

	// Only one signal file per process lifetime; the first one stands.
	currentContents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, firstContents, currentContents)
}

func TestNewerThanCurrent(t *testing.T) {
	assert.True(t, newerThanCurrent("2.0.0", "1.9.9"))
	assert.True(t, newerThanCurrent("V2.0.0", "v1.9.9"))
	assert.False(t, newerThanCurrent("1.0.0", "1.0.0"))
	assert.False(t, newerThanCurrent("0.9.0", "1.0.0"))
	assert.False(t, newerThanCurrent("not-a-version", "1.0.0"))
	assert.False(t, newerThanCurrent("2.0.0", "dev"))
}
