// Package persistence implements cross-session durability: atomic JSON-file
// snapshots as the authoritative source of truth, with a bbolt-backed
// secondary index for fast crash-recovery lookups ("latest snapshot for
// session X") without scanning the working directory.
package persistence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	bolt "go.etcd.io/bbolt"

	"github.com/swarmguard/taskengine/internal/model"
)

var (
	bucketSnapshots    = []byte("snapshots")
	bucketSessions     = []byte("sessions")
	bucketTaskVersions = []byte("task_versions")
)

// Store owns the working directory layout:
//
//	<dir>/snapshots/snapshot-<id>.json
//	<dir>/session-<id>.json
//	<dir>/txnlog.json
//	<dir>/backups/<id>.backup.json
//	<dir>/index-<session>.bolt   (secondary index only, never authoritative)
//
// The index is per-session because bolt holds an exclusive file lock;
// cooperating sessions share the JSON files, never each other's index.
// Reads that miss the index fall back to scanning the snapshots directory.
type Store struct {
	dir   string
	index *bolt.DB
}

// Open creates the working directory layout if absent and opens this
// session's secondary index.
func Open(dir, sessionID string) (*Store, error) {
	for _, sub := range []string{"", "snapshots", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("persistence: create %s: %w", sub, err)
		}
	}
	indexName := "index.bolt"
	if sessionID != "" {
		indexName = "index-" + sessionID + ".bolt"
	}
	db, err := bolt.Open(filepath.Join(dir, indexName), 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketSessions, bucketTaskVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{dir: dir, index: db}, nil
}

// Close releases the secondary index handle.
func (s *Store) Close() error {
	return s.index.Close()
}

// canonicalize serializes v with sorted keys (Go's encoding/json already
// sorts map[string]... keys) so the integrity hash is reproducible.
func canonicalize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// hashBody returns the hex SHA-256 of a snapshot's body, excluding its
// metadata block, which carries the hash itself.
func hashBody(snap model.Snapshot) (string, error) {
	body := snap
	body.Meta = model.SnapshotMeta{}
	data, err := canonicalize(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// writeAtomic writes data to path via a temp file in the same directory,
// fsyncs it, then renames over the destination, so a crash mid-write never
// leaves a partial file at the target path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func maybeCompress(data []byte, compress bool) ([]byte, string, error) {
	if !compress {
		return data, "", nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

func maybeDecompress(data []byte, compression string) ([]byte, error) {
	if compression != "gzip" {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteSnapshot computes the integrity hash, writes the snapshot atomically
// to its per-kind path, and records it in the secondary index. The hash
// covers the uncompressed canonical body only; compression applies to the
// whole file afterwards.
func (s *Store) WriteSnapshot(snap model.Snapshot, compress bool) error {
	hash, err := hashBody(snap)
	if err != nil {
		return err
	}
	snap.Meta.IntegrityHash = hash
	snap.Meta.Timestamp = snap.Meta.Timestamp.UTC()
	if compress {
		snap.Meta.Compression = "gzip"
	}

	// measure size with final metadata in place, marshalling again until the
	// stored Size matches the length of the serialized bytes
	var data []byte
	for {
		data, err = canonicalize(snap)
		if err != nil {
			return err
		}
		if int64(len(data)) == snap.Meta.Size {
			break
		}
		snap.Meta.Size = int64(len(data))
	}
	payload, _, err := maybeCompress(data, compress)
	if err != nil {
		return err
	}

	path := s.snapshotPath(snap.Meta.ID)
	if err := writeAtomic(path, payload); err != nil {
		return err
	}

	return s.index.Update(func(tx *bolt.Tx) error {
		meta, err := json.Marshal(snap.Meta)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketSnapshots)
		key := []byte(snap.Meta.OriginSession + "/" + snap.Meta.Timestamp.Format(time.RFC3339Nano) + "/" + snap.Meta.ID)
		return b.Put(key, meta)
	})
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.dir, "snapshots", "snapshot-"+id+".json")
}

// ReadSnapshot loads a snapshot by id and verifies its integrity hash,
// returning ErrIntegrity if the stored hash doesn't match the recomputed one.
// Compressed files are recognized by the gzip magic bytes.
func (s *Store) ReadSnapshot(id string) (model.Snapshot, error) {
	raw, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		return model.Snapshot{}, err
	}
	data, err := maybeDecompress(raw, sniffCompression(raw))
	if err != nil {
		return model.Snapshot{}, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, err
	}
	wantHash := snap.Meta.IntegrityHash
	gotHash, err := hashBody(snap)
	if err != nil {
		return model.Snapshot{}, err
	}
	if gotHash != wantHash {
		return snap, ErrIntegrity{ID: id}
	}
	return snap, nil
}

// ErrIntegrity reports a snapshot whose stored hash no longer matches its body.
type ErrIntegrity struct{ ID string }

func (e ErrIntegrity) Error() string { return fmt.Sprintf("persistence: snapshot %s failed integrity check", e.ID) }

// LatestSnapshotID returns the most recent snapshot id recorded for a
// session, preferring the index and falling back to a directory scan for
// sessions whose index this process cannot read.
func (s *Store) LatestSnapshotID(sessionID string) (string, bool) {
	ids := s.sessionSnapshotIDsNewestFirst(sessionID)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// LoadLatestWithFallback loads the most recent snapshot for a session,
// falling back to progressively older ones if integrity verification fails,
// so a single corrupt file never makes recovery impossible.
func (s *Store) LoadLatestWithFallback(sessionID string) (model.Snapshot, error) {
	ids := s.sessionSnapshotIDsNewestFirst(sessionID)
	var lastErr error
	for _, id := range ids {
		snap, err := s.ReadSnapshot(id)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("persistence: no snapshots for session %s", sessionID)
	}
	return model.Snapshot{}, lastErr
}

func (s *Store) sessionSnapshotIDsNewestFirst(sessionID string) []string {
	var ids []string
	_ = s.index.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		prefix := []byte(sessionID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var meta model.SnapshotMeta
			if json.Unmarshal(v, &meta) == nil {
				ids = append(ids, meta.ID)
			}
		}
		return nil
	})
	if len(ids) > 0 {
		// cursor order is oldest-first by timestamp key; reverse it
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
		return ids
	}
	return s.scanSnapshotIDsNewestFirst(sessionID)
}

// scanSnapshotIDsNewestFirst lists a session's snapshots straight from the
// snapshots directory, for sessions indexed by another process.
func (s *Store) scanSnapshotIDsNewestFirst(sessionID string) []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, "snapshots", "snapshot-*.json"))
	if err != nil {
		return nil
	}
	type stamped struct {
		id string
		ts time.Time
	}
	var found []stamped
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if data, derr := maybeDecompress(raw, sniffCompression(raw)); derr == nil {
			raw = data
		}
		var probe struct {
			Meta model.SnapshotMeta `json:"metadata"`
		}
		if json.Unmarshal(raw, &probe) != nil {
			continue
		}
		if probe.Meta.OriginSession == sessionID && probe.Meta.ID != "" {
			found = append(found, stamped{id: probe.Meta.ID, ts: probe.Meta.Timestamp})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts.After(found[j].ts) })
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids
}

func sniffCompression(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		return "gzip"
	}
	return ""
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// WriteSession persists a session's heartbeat record atomically.
func (s *Store) WriteSession(sess model.Session) error {
	data, err := canonicalize(sess)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, "session-"+sess.ID+".json")
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	return s.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

// Backup copies a snapshot into the backups/ directory under a retained name.
func (s *Store) Backup(snapshotID string) error {
	data, err := os.ReadFile(s.snapshotPath(snapshotID))
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, "backups", snapshotID+".backup.json"), data)
}

// DeleteSnapshot removes a snapshot file and its index entries, used by
// retention once a newer snapshot has safely replaced it.
func (s *Store) DeleteSnapshot(snapshotID string) error {
	if err := os.Remove(s.snapshotPath(snapshotID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		suffix := []byte("/" + snapshotID)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.HasSuffix(k, suffix) {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadSessions reads every session-*.json record in the working directory,
// used at startup to find sessions that never shut down gracefully.
func (s *Store) LoadSessions() ([]model.Session, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "session-*.json"))
	if err != nil {
		return nil, err
	}
	var out []model.Session
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil && sess.ID != "" {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ArchiveTaskVersion stores a superseded copy of a task keyed by
// (id, version), giving optimistic-locking conflicts a durable history to
// reconcile against.
func (s *Store) ArchiveTaskVersion(t model.Task) error {
	data, err := canonicalize(t)
	if err != nil {
		return err
	}
	return s.index.Update(func(tx *bolt.Tx) error {
		key := []byte(fmt.Sprintf("%s/%012d", t.ID, t.Version))
		return tx.Bucket(bucketTaskVersions).Put(key, data)
	})
}

// TaskVersions returns the archived versions of a task, oldest first.
func (s *Store) TaskVersions(taskID string) ([]model.Task, error) {
	var out []model.Task
	err := s.index.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskVersions).Cursor()
		prefix := []byte(taskID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t model.Task
			if json.Unmarshal(v, &t) == nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}
