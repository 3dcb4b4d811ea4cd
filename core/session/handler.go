package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ontograph/ontograph/core/eventstore"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// HandlerContext is what a registered Handler sees for one claimed Event:
// Ensure for idempotent upserts, Commit to persist any resulting intents,
// and Emit to enqueue follow-on events — the three operations spec §4.5
// names for handler bodies, modeled after the teacher's
// CollectionTriggerContext/TaskContext shape (core/persistence-interface.go)
// but generalized across types instead of scoped to one collection.
type HandlerContext struct {
	Event   model.Event
	session *Session
}

// Ensure stages an upsert intent for typeName/entityID if, and only if, no
// entity with that identity currently exists — the idempotency guarantee a
// handler re-run after a crash needs (at-least-once delivery means a
// handler may see the same event twice).
func (h *HandlerContext) Ensure(ctx context.Context, typeName, entityID string, data model.Document) error {
	existing, err := h.session.storage.ReadEntities(ctx, typeName, nil, storage.TemporalView{})
	if err != nil && !model.IsCode(err, model.ErrUninitializedStorage) {
		return err
	}
	for _, row := range existing {
		if row.EntityID == entityID && !row.Tombstone {
			return nil
		}
	}
	h.session.Stage(Intent{Kind: IntentCreateEntity, TypeName: typeName, EntityID: entityID, Data: data})
	return nil
}

// Commit flushes the handler's staged intents, incrementing the session's
// recursion depth guard so a handler that itself triggers further events
// cannot recurse unboundedly (model.ErrCommitChainDepth once
// Config.CommitChainDepth is exceeded).
func (h *HandlerContext) Commit(ctx context.Context, summary string) (model.Commit, error) {
	h.session.depth++
	defer func() { h.session.depth-- }()
	return h.session.Commit(ctx, summary, "", nil)
}

// Emit enqueues a follow-on durable event from within a handler.
func (h *HandlerContext) Emit(ctx context.Context, topic string, payload model.Document) error {
	_, err := h.session.events.Enqueue(ctx, topic, payload, "", 5)
	return err
}

// Handler processes one claimed Event. Returning an error releases the
// event back to the queue for backoff/retry (core/eventstore.Release);
// returning nil Acks it.
type Handler func(ctx context.Context, hc *HandlerContext) error

// Schedule pairs a parsed 5-field cron expression with a template Event that
// RunHandlerLoop enqueues (a fresh clone, never the same Event twice) at
// every crossing of its computed next-fire time, per spec §4.5 step 4.
type Schedule struct {
	Cron        model.CronSchedule
	Topic       string
	Payload     model.Document
	MaxAttempts int
	Priority    int
}

// RunHandlerLoop claims events for each topic in handlers round-robin,
// dispatching concurrently via golang.org/x/sync/errgroup (the same
// fan-in-with-error-propagation primitive untoldecay-BeadsLog and
// evalgo-org-eve both carry as an indirect dependency of their own worker
// pools), renewing the session's write lock lease between rounds so a slow
// handler batch doesn't starve the lock. Before each round it evaluates every
// Schedule, enqueuing a fresh clone of its template event for each cron
// crossing since the prior check (spec §4.5 step 4). It returns once at
// least Config.EventLoopLimit events have been acked, matching the
// event_loop_limit guard spec §5 names; the count is checked between
// rounds, so a round already started finishes first.
func (s *Session) RunHandlerLoop(ctx context.Context, handlers map[string]Handler, pollInterval time.Duration, schedules ...Schedule) error {
	if _, err := s.events.RegisterSession(ctx, s.ID, s.cfg.LeaseSeconds); err != nil {
		return err
	}

	// A schedule with no prior fire is treated as having last fired one
	// minute before the loop started, so a cron crossing already due at
	// registration time (e.g. "* * * * *") fires on the very first round
	// instead of waiting for the next whole-minute boundary.
	nextFire := make([]time.Time, len(schedules))
	for i, sched := range schedules {
		t, err := eventstore.Next(sched.Cron, time.Now().Add(-time.Minute))
		if err != nil {
			return err
		}
		nextFire[i] = t
	}

	processed := 0
	for processed < s.cfg.EventLoopLimit {
		if err := s.Heartbeat(ctx); err != nil {
			return err
		}
		if err := s.events.Heartbeat(ctx, s.ID, s.cfg.LeaseSeconds); err != nil {
			return err
		}

		now := time.Now()
		for i, sched := range schedules {
			for !nextFire[i].After(now) {
				if _, err := s.events.Enqueue(ctx, sched.Topic, sched.Payload, "", sched.MaxAttempts, sched.Priority); err != nil {
					return err
				}
				next, err := eventstore.Next(sched.Cron, nextFire[i])
				if err != nil {
					return err
				}
				nextFire[i] = next
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		roundProcessed := 0
		for topic, handler := range handlers {
			topic, handler := topic, handler
			g.Go(func() error {
				claimed, _, err := s.events.Claim(gctx, topic, s.ID, s.cfg.LeaseSeconds, 10)
				if err != nil {
					return err
				}
				for _, ev := range claimed {
					hc := &HandlerContext{Event: ev, session: s}
					if err := handler(gctx, hc); err != nil {
						if releaseErr := s.events.Release(gctx, ev.ID, err.Error()); releaseErr != nil {
							s.logger.Error("failed to release event after handler error", zap.Error(releaseErr))
						}
						continue
					}
					if err := s.events.Ack(gctx, ev.ID); err != nil {
						return err
					}
					roundProcessed++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		processed += roundProcessed
		if roundProcessed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return nil
}
