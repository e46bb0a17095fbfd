package taskengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/conflict"
	"github.com/swarmguard/taskengine/internal/events"
	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/persistence"
	"github.com/swarmguard/taskengine/internal/queue"
	"github.com/swarmguard/taskengine/internal/txnlog"
)

// resolverLoop periodically scans the committed txn log for cross-session
// write collisions, resolves them under the configured strategy, and applies
// the winner through the queue's normal mutation path. Entries already
// settled are remembered so a conflict is resolved exactly once.
type resolverLoop struct {
	log      *txnlog.Log
	queue    *queue.Core
	store    *persistence.Store
	bus      *events.Bus
	session  string
	strategy conflict.Strategy
	interval time.Duration

	mu      sync.Mutex
	settled map[string]bool // conflict fingerprint -> done
}

func newResolverLoop(log *txnlog.Log, q *queue.Core, store *persistence.Store, bus *events.Bus, session string, strategy conflict.Strategy, interval time.Duration) *resolverLoop {
	return &resolverLoop{
		log: log, queue: q, store: store, bus: bus,
		session: session, strategy: strategy, interval: interval,
		settled: make(map[string]bool),
	}
}

func (r *resolverLoop) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.scan(ctx)
			}
		}
	}()
}

// scan runs one detection + resolution pass.
func (r *resolverLoop) scan(ctx context.Context) {
	conflicts := conflict.Detect(r.log.Entries())
	for _, c := range conflicts {
		key := fingerprint(c)
		r.mu.Lock()
		done := r.settled[key]
		if !done {
			r.settled[key] = true
		}
		r.mu.Unlock()
		if done {
			continue
		}

		r.bus.Publish(ctx, events.Event{
			Kind: events.KindConflictFound, TaskID: c.EntityID, SessionID: r.session,
			Data: map[string]interface{}{"kind": c.Kind, "changes": len(c.Changes)},
		})

		resolved, err := conflict.Resolve(c, r.strategy, nil)
		if err != nil {
			slog.Warn("conflict resolution requires manual input", "entity", c.EntityID, "error", err)
			continue
		}
		r.apply(ctx, resolved)
	}
}

// apply writes the winning change back through the queue and archives the
// superseded version.
func (r *resolverLoop) apply(ctx context.Context, c conflict.SyncConflict) {
	if c.Kind == "task" {
		var winner model.Task
		if data, err := json.Marshal(c.Winner.After); err == nil {
			if json.Unmarshal(data, &winner) == nil && winner.ID != "" {
				if prev, ok := r.queue.ApplyResolved(winner); ok && r.store != nil {
					if err := r.store.ArchiveTaskVersion(prev); err != nil {
						slog.Warn("archive superseded task version failed", "task_id", prev.ID, "error", err)
					}
				}
			}
		}
	}

	changeIDs := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		changeIDs = append(changeIDs, ch.EntryID)
	}
	r.bus.Publish(ctx, events.Event{
		Kind: events.KindConflictSolved, TaskID: c.EntityID, SessionID: r.session,
		Data: map[string]interface{}{
			"strategy": string(c.Strategy),
			"winner":   c.Winner.EntryID,
			"changes":  changeIDs,
		},
	})
}

// fingerprint identifies a conflict by its colliding entry ids so re-scans
// of the same log window don't resolve it twice.
func fingerprint(c conflict.SyncConflict) string {
	key := c.Kind + "/" + c.EntityID
	for _, ch := range c.Changes {
		key += "/" + ch.EntryID
	}
	return key
}
