// Package txnlog implements the bounded, append-only transaction log: every
// mutation is recorded with a checksum over its canonical serialization,
// appended single-writer by the queue core and read by the snapshot manager
// and conflict resolver.
package txnlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskengine/internal/model"
)

// DefaultMaxEntries bounds the in-memory/on-disk log length.
const DefaultMaxEntries = 10000

// TruncateTo is how many of the newest entries survive a truncation pass.
const TruncateTo = 5000

// Log is the single-writer, append-only transaction log.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []model.TransactionLogEntry
	max     int
}

// Open loads an existing log from path (if present) or starts empty.
func Open(path string) (*Log, error) {
	l := &Log{path: path, max: DefaultMaxEntries}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("txnlog: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return l, nil
	}
	var entries []model.TransactionLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("txnlog: decode %s: %w", path, err)
	}
	for i := range entries {
		entries[i].Verified = verify(entries[i])
	}
	l.entries = entries
	return l, nil
}

// canonical serializes (op, kind, id, before, after) for checksumming,
// independent of timestamp/id/session so the checksum only covers the
// logical mutation.
func canonical(op model.TxnOp, kind, id string, before, after map[string]interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Op     model.TxnOp            `json:"op"`
		Kind   string                 `json:"kind"`
		ID     string                 `json:"id"`
		Before map[string]interface{} `json:"before,omitempty"`
		After  map[string]interface{} `json:"after,omitempty"`
	}{op, kind, id, before, after})
}

func checksum(e model.TransactionLogEntry) (string, error) {
	data, err := canonical(e.Op, e.EntityKind, e.EntityID, e.Before, e.After)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func verify(e model.TransactionLogEntry) bool {
	got, err := checksum(e)
	return err == nil && got == e.Checksum
}

// Append records one mutation, computing and storing its checksum, and
// writes the full log atomically. When the log exceeds its bound it is
// truncated to the newest TruncateTo entries, dropping oldest-first.
func (l *Log) Append(sessionID string, op model.TxnOp, entityKind, entityID string, before, after map[string]interface{}) (model.TransactionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := model.TransactionLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		Op:         op,
		EntityKind: entityKind,
		EntityID:   entityID,
		Before:     before,
		After:      after,
	}
	sum, err := checksum(entry)
	if err != nil {
		return model.TransactionLogEntry{}, fmt.Errorf("txnlog: checksum: %w", err)
	}
	entry.Checksum = sum
	entry.Verified = true

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		keep := TruncateTo
		if keep > l.max {
			keep = l.max / 2
		}
		l.entries = append([]model.TransactionLogEntry(nil), l.entries[len(l.entries)-keep:]...)
	}
	if err := l.flushLocked(); err != nil {
		return model.TransactionLogEntry{}, err
	}
	return entry, nil
}

func (l *Log) flushLocked() error {
	data, err := json.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("txnlog: marshal: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("txnlog: write temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("txnlog: rename: %w", err)
	}
	return nil
}

// Entries returns a copy of every entry currently retained, oldest first.
func (l *Log) Entries() []model.TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.TransactionLogEntry(nil), l.entries...)
}

// Since returns entries with Timestamp >= t, oldest first.
func (l *Log) Since(t time.Time) []model.TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.TransactionLogEntry
	for _, e := range l.entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// VerifyAll replays the checksum of every retained entry and reports any
// whose stored checksum no longer matches, marking each unverifiable.
func (l *Log) VerifyAll() []model.TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var bad []model.TransactionLogEntry
	for i, e := range l.entries {
		ok := verify(e)
		l.entries[i].Verified = ok
		if !ok {
			bad = append(bad, e)
		}
	}
	return bad
}

// Len reports how many entries are currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
