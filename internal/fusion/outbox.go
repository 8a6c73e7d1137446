package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/storage"
)

// Outbox payloads carry canonical IDs only; delivery loads the current
// mapping state so replays always mirror the latest truth.
type upsertPayload struct {
	CanonicalID string `json:"canonical_id"`
}

type linkPayload struct {
	Keep  string `json:"keep"`
	Merge string `json:"merge"`
}

// drainLimit bounds one best-effort drain pass after a commit.
const drainLimit = 50

// DrainOutbox delivers pending graph writes, best-effort. Every failure is
// logged and left in the outbox for `bl graph sync`; nothing propagates to
// the caller.
func (r *Resolver) DrainOutbox(ctx context.Context) {
	items, err := r.store.PendingOutbox(ctx, drainLimit)
	if err != nil {
		debug.Logf("outbox: list pending: %v\n", err)
		return
	}
	for _, item := range items {
		if err := r.deliver(ctx, item); err != nil {
			debug.Logf("outbox: deliver item %d (%s): %v\n", item.ID, item.Kind, err)
			if markErr := r.store.MarkOutboxFailed(ctx, item.ID, err.Error()); markErr != nil {
				debug.Logf("outbox: mark failed %d: %v\n", item.ID, markErr)
			}
			continue
		}
		if err := r.store.MarkOutboxDone(ctx, item.ID); err != nil {
			debug.Logf("outbox: mark done %d: %v\n", item.ID, err)
		}
	}
}

// deliver performs one outbox write against the graph, bounded by the
// configured timeout.
func (r *Resolver) deliver(ctx context.Context, item *storage.OutboxItem) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.GraphTimeout)
	defer cancel()

	switch item.Kind {
	case storage.OutboxUpsertIngredient:
		var p upsertPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		m, err := r.store.GetMapping(ctx, p.CanonicalID)
		if err != nil {
			return err
		}
		return r.graph.UpsertIngredient(ctx, m)

	case storage.OutboxLinkSameAs:
		var p linkPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.graph.LinkSameAs(ctx, p.Keep, p.Merge)

	default:
		return fmt.Errorf("unknown outbox kind %q", item.Kind)
	}
}

// SyncOutbox replays the whole outbox with exponential backoff between
// attempts, for `bl graph sync` after a graph outage. Returns counts of
// delivered and still-failing items.
func SyncOutbox(ctx context.Context, store storage.Storage, graph causal.Graph, timeout time.Duration) (delivered, failed int, err error) {
	r := &Resolver{store: store, graph: graph, opts: Options{GraphTimeout: timeout, Now: time.Now}}

	items, err := store.PendingOutbox(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		item := item
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxElapsedTime = 10 * time.Second

		attempt := func() error { return r.deliver(ctx, item) }
		if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
			failed++
			if markErr := store.MarkOutboxFailed(ctx, item.ID, err.Error()); markErr != nil {
				debug.Logf("outbox: mark failed %d: %v\n", item.ID, markErr)
			}
			continue
		}
		if err := store.MarkOutboxDone(ctx, item.ID); err != nil {
			return delivered, failed, err
		}
		delivered++
	}
	return delivered, failed, nil
}
