// Package conflict detects and resolves concurrent mutations originating
// from multiple sessions: committed transaction-log entries that touch the
// same (kind, id) from different sessions within a short window are grouped
// into a SyncConflict and settled by one of five resolution strategies.
//
// Detection operates over committed log entries only, never over in-flight
// writes.
package conflict

import (
	"errors"
	"sort"
	"time"

	"github.com/swarmguard/taskengine/internal/model"
)

// Window is the collision window for conflict detection.
const Window = 5 * time.Second

// Strategy names one of the five resolution strategies.
type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last-write-wins"
	StrategyFirstWriteWins Strategy = "first-write-wins"
	StrategyVersionBased   Strategy = "version-based"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
)

// DataChange is one committed mutation to a (kind, id) pair, derived from a
// TransactionLogEntry.
type DataChange struct {
	EntryID   string
	SessionID string
	Kind      string
	EntityID  string
	Timestamp time.Time
	Version   int64
	After     map[string]interface{}
}

func fromEntry(e model.TransactionLogEntry) DataChange {
	var version int64
	if v, ok := e.After["version"]; ok {
		switch n := v.(type) {
		case float64:
			version = int64(n)
		case int64:
			version = n
		case int:
			version = int64(n)
		}
	}
	return DataChange{
		EntryID: e.ID, SessionID: e.SessionID, Kind: e.EntityKind, EntityID: e.EntityID,
		Timestamp: e.Timestamp, Version: version, After: e.After,
	}
}

// SyncConflict records a set of colliding DataChanges for one (kind, id)
// pair and, once resolved, the winner and resolution strategy used.
type SyncConflict struct {
	Kind     string
	EntityID string
	Changes  []DataChange
	Strategy Strategy
	Winner   DataChange
	Resolved bool
}

// ErrManualResolutionRequired is returned when a manual-strategy conflict is
// resolved without a supplied winning payload.
var ErrManualResolutionRequired = errors.New("conflict: manual resolution required")

// Detect scans committed log entries and groups those that collide: same
// (kind, id), different sessions, timestamps within Window of each other.
// Detection only considers entries already in the log, never in-flight
// writes.
func Detect(entries []model.TransactionLogEntry) []SyncConflict {
	byKey := make(map[string][]DataChange)
	var keyOrder []string
	for _, e := range entries {
		key := e.EntityKind + "/" + e.EntityID
		if _, seen := byKey[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		byKey[key] = append(byKey[key], fromEntry(e))
	}

	var conflicts []SyncConflict
	for _, key := range keyOrder {
		changes := byKey[key]
		sort.Slice(changes, func(i, j int) bool { return changes[i].Timestamp.Before(changes[j].Timestamp) })
		groups := clusterByWindow(changes)
		for _, g := range groups {
			if !hasMultipleSessions(g) {
				continue
			}
			conflicts = append(conflicts, SyncConflict{
				Kind:     g[0].Kind,
				EntityID: g[0].EntityID,
				Changes:  g,
			})
		}
	}
	return conflicts
}

// clusterByWindow groups a session-sorted-by-time change list into clusters
// where each member is within Window of the cluster's first member.
func clusterByWindow(changes []DataChange) [][]DataChange {
	var groups [][]DataChange
	var cur []DataChange
	for _, c := range changes {
		if len(cur) == 0 {
			cur = []DataChange{c}
			continue
		}
		if c.Timestamp.Sub(cur[0].Timestamp) <= Window {
			cur = append(cur, c)
		} else {
			groups = append(groups, cur)
			cur = []DataChange{c}
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func hasMultipleSessions(changes []DataChange) bool {
	seen := map[string]bool{}
	for _, c := range changes {
		seen[c.SessionID] = true
	}
	return len(seen) > 1
}

// Resolve applies strategy to a detected conflict and returns the winning
// change plus any merged metadata. manualPayload is only consulted for
// StrategyManual.
func Resolve(c SyncConflict, strategy Strategy, manualPayload *DataChange) (SyncConflict, error) {
	if len(c.Changes) == 0 {
		return c, errors.New("conflict: no changes to resolve")
	}
	c.Strategy = strategy
	switch strategy {
	case StrategyFirstWriteWins:
		c.Winner = earliest(c.Changes)
	case StrategyVersionBased:
		c.Winner = highestVersion(c.Changes)
	case StrategyMerge:
		c.Winner = latest(c.Changes)
		c.Winner.After = mergeMetadata(c.Changes)
	case StrategyManual:
		if manualPayload == nil {
			return c, ErrManualResolutionRequired
		}
		c.Winner = *manualPayload
	case StrategyLastWriteWins, "":
		c.Winner = latest(c.Changes)
	default:
		c.Winner = latest(c.Changes)
	}
	c.Resolved = true
	return c, nil
}

func earliest(changes []DataChange) DataChange {
	best := changes[0]
	for _, c := range changes[1:] {
		if c.Timestamp.Before(best.Timestamp) {
			best = c
		}
	}
	return best
}

func latest(changes []DataChange) DataChange {
	best := changes[0]
	for _, c := range changes[1:] {
		if c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	return best
}

// highestVersion picks the change with the greatest Version, falling back to
// last-write-wins on a tie.
func highestVersion(changes []DataChange) DataChange {
	best := changes[0]
	for _, c := range changes[1:] {
		if c.Version > best.Version || (c.Version == best.Version && c.Timestamp.After(best.Timestamp)) {
			best = c
		}
	}
	return best
}

// mergeMetadata shallow-merges the "metadata" sub-object across every
// colliding change, later writes overriding earlier ones, layered onto the
// latest change's other fields.
func mergeMetadata(changes []DataChange) map[string]interface{} {
	sorted := append([]DataChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	merged := map[string]interface{}{}
	for k, v := range sorted[len(sorted)-1].After {
		merged[k] = v
	}
	mergedMeta := map[string]interface{}{}
	for _, c := range sorted {
		if m, ok := c.After["metadata"].(map[string]interface{}); ok {
			for k, v := range m {
				mergedMeta[k] = v
			}
		}
	}
	if len(mergedMeta) > 0 {
		merged["metadata"] = mergedMeta
	}
	return merged
}
