package mutation

import (
	"context"
	"fmt"
)

// Deliverer replays one pending write. Returning nil confirms delivery and
// the record is removed.
type Deliverer func(ctx context.Context, m *Mutation) error

// Report summarises one drain traversal.
type Report struct {
	Attempted int     `json:"attempted"`
	Delivered int     `json:"delivered"`
	Failed    int     `json:"failed"`
	Remaining []int64 `json:"remaining"`
}

// Drain makes one pass over the queue in insertion order, attempting each
// record exactly once. Delivered records are removed; failed ones get their
// attempt count bumped and the pass moves on, so a stuck record never blocks
// the ones behind it. Ordering is best effort under partial failure.
//
// Every outcome is persisted before the next record is attempted, so a drain
// cut short by cancellation or process exit resumes from durable state.
// Drain does not guard against concurrent traversals; callers that can race
// go through syncer.Coordinator.
func (q *Q) Drain(ctx context.Context, deliver Deliverer) (Report, error) {
	rep := Report{Remaining: []int64{}}
	log := q.opts.Logger

	// Snapshot the queue before delivering: records enqueued during the pass
	// wait for the next one, and no cursor stays open across network calls.
	pending, err := q.Pending(ctx)
	if err != nil {
		return rep, err
	}

	// Outcomes of deliveries that already happened are recorded even if ctx
	// is cancelled meanwhile.
	persist := context.WithoutCancel(ctx)

	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			for _, rest := range pending[i:] {
				rep.Remaining = append(rep.Remaining, rest.ID)
			}
			return rep, fmt.Errorf("mutation: drain interrupted: %w", err)
		}

		rep.Attempted++
		if derr := deliver(ctx, m); derr != nil {
			rep.Failed++
			rep.Remaining = append(rep.Remaining, m.ID)
			log.WarnContext(ctx, "mutation: delivery failed, keeping record",
				"id", m.ID, "endpoint", m.Endpoint, "attempts", m.AttemptCount+1, "error", derr)
			if err := q.RecordFailure(persist, m.ID, derr); err != nil {
				return rep, err
			}
			continue
		}

		if err := q.Remove(persist, m.ID); err != nil {
			// Delivered but still on disk: the next drain replays it.
			rep.Remaining = append(rep.Remaining, m.ID)
			return rep, err
		}
		rep.Delivered++
		log.InfoContext(ctx, "mutation: delivered", "id", m.ID, "endpoint", m.Endpoint)
	}
	return rep, nil
}
