package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot(id, session string) model.Snapshot {
	return model.Snapshot{
		Meta: model.SnapshotMeta{
			ID: id, Timestamp: time.Now().UTC(), Version: 1,
			TaskCount: 1, OriginSession: session, Kind: model.SnapshotManual,
		},
		Tasks: map[string]model.Task{
			"t1": {ID: "t1", Title: "sample", Status: model.StatusPending, Version: 1},
		},
		Dependencies: map[string]model.TaskDependency{
			"d1": {ID: "d1", Dependent: "t1", DependsOn: "t0", Type: model.EdgeBlocks},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s := openTemp(t)
		snap := sampleSnapshot("snap-1", "sess-1")
		require.NoError(t, s.WriteSnapshot(snap, compress))

		got, err := s.ReadSnapshot("snap-1")
		require.NoError(t, err, "compress=%v", compress)
		assert.Equal(t, snap.Tasks["t1"].Title, got.Tasks["t1"].Title)
		assert.Equal(t, snap.Dependencies["d1"].Type, got.Dependencies["d1"].Type)
		assert.NotEmpty(t, got.Meta.IntegrityHash)
	}
}

func TestTamperedSnapshotFailsIntegrity(t *testing.T) {
	s := openTemp(t)
	snap := sampleSnapshot("snap-1", "sess-1")
	require.NoError(t, s.WriteSnapshot(snap, false))

	path := s.snapshotPath("snap-1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data))
	copyData := string(tampered)
	copyData = replaceOnce(copyData, `"title":"sample"`, `"title":"evil"`)
	require.NoError(t, os.WriteFile(path, []byte(copyData), 0o644))

	_, err = s.ReadSnapshot("snap-1")
	var integrityErr ErrIntegrity
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "snap-1", integrityErr.ID)
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

func TestLoadLatestFallsBackPastCorruptSnapshot(t *testing.T) {
	s := openTemp(t)
	older := sampleSnapshot("snap-a", "sess-1")
	older.Meta.Timestamp = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.WriteSnapshot(older, false))

	newer := sampleSnapshot("snap-b", "sess-1")
	require.NoError(t, s.WriteSnapshot(newer, false))

	// corrupt the newer file wholesale
	require.NoError(t, os.WriteFile(s.snapshotPath("snap-b"), []byte("garbage"), 0o644))

	got, err := s.LoadLatestWithFallback("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-a", got.Meta.ID)
}

func TestLatestSnapshotIDPerSession(t *testing.T) {
	s := openTemp(t)
	a := sampleSnapshot("snap-a", "sess-1")
	a.Meta.Timestamp = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, s.WriteSnapshot(a, false))
	require.NoError(t, s.WriteSnapshot(sampleSnapshot("snap-b", "sess-1"), false))
	require.NoError(t, s.WriteSnapshot(sampleSnapshot("snap-c", "sess-2"), false))

	id, ok := s.LatestSnapshotID("sess-1")
	require.True(t, ok)
	assert.Equal(t, "snap-b", id)

	_, ok = s.LatestSnapshotID("sess-none")
	assert.False(t, ok)
}

func TestDeleteSnapshotRemovesFileAndIndex(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.WriteSnapshot(sampleSnapshot("snap-a", "sess-1"), false))
	require.NoError(t, s.DeleteSnapshot("snap-a"))

	_, err := os.Stat(s.snapshotPath("snap-a"))
	assert.True(t, os.IsNotExist(err))
	_, ok := s.LatestSnapshotID("sess-1")
	assert.False(t, ok)
}

func TestBackupCopiesSnapshot(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.WriteSnapshot(sampleSnapshot("snap-a", "sess-1"), false))
	require.NoError(t, s.Backup("snap-a"))

	_, err := os.Stat(filepath.Join(s.dir, "backups", "snap-a.backup.json"))
	assert.NoError(t, err)
}

func TestSessionWriteAndLoad(t *testing.T) {
	s := openTemp(t)
	sess := model.Session{ID: "sess-1", AgentID: "agent", StartTime: time.Now().UTC(), LastHeartbeat: time.Now().UTC(), Status: model.SessionActive}
	require.NoError(t, s.WriteSession(sess))

	loaded, err := s.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sess-1", loaded[0].ID)
	assert.Equal(t, model.SessionActive, loaded[0].Status)
}

func TestTaskVersionArchive(t *testing.T) {
	s := openTemp(t)
	for v := int64(1); v <= 3; v++ {
		require.NoError(t, s.ArchiveTaskVersion(model.Task{ID: "t1", Title: "v", Version: v}))
	}
	require.NoError(t, s.ArchiveTaskVersion(model.Task{ID: "t2", Version: 1}))

	versions, err := s.TaskVersions("t1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, int64(3), versions[2].Version)
}
