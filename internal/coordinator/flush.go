package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/netmon"
	"github.com/snehjoshi/courier/internal/queue"
	"github.com/snehjoshi/courier/internal/types"
)

// FlushReport summarises one flush pass.
type FlushReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
	Requeued  int `json:"requeued"`

	// Remaining is the queue size when the pass ended.
	Remaining int `json:"remaining"`

	// Aborted is true when the pass stopped early: cancelled, or the monitor
	// went Offline.
	Aborted  bool          `json:"aborted"`
	Duration time.Duration `json:"duration"`
}

// Flush makes one pass over the entries queued when it starts, in priority
// order, one attempt per entry. Entries queued during the pass wait for the
// next one.
//
// Entries of one priority tier run concurrently (up to Concurrency); a tier
// only starts once every entry of the tiers above it has finished. The pass
// stops picking new entries as soon as the monitor reports Offline.
//
// Per entry: success removes it; a client error drops it as NonRetryable; a
// recoverable failure returns it to the queue, or drops it as
// RetriesExhausted once its flush budget is used up.
func (c *Coordinator) Flush(ctx context.Context) (FlushReport, error) {
	c.mu.Lock()
	started, runCtx := c.started, c.runCtx
	c.mu.Unlock()
	if !started {
		return FlushReport{}, ErrNotStarted
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	start := time.Now()
	var (
		rep   FlushReport
		repMu sync.Mutex
	)

	startSeq := c.q.Sequence()
	attempted := make(map[string]bool)
	tier := -1

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)

	for {
		if ctx.Err() != nil || c.mon.Connectivity() == netmon.Offline {
			rep.Aborted = true
			break
		}

		e, ok := c.q.NextReady(func(e *types.QueueEntry) bool {
			return e.Sequence <= startSeq && !attempted[e.Spec.ID]
		})
		if !ok {
			break
		}

		rank := e.Spec.Priority.Rank()
		if tier >= 0 && rank > tier {
			// Barrier: the tier above must finish before this one starts.
			_ = g.Wait()
			tier = rank
			continue
		}
		tier = rank
		attempted[e.Spec.ID] = true

		// Track before leasing so a Cancel arriving at any point after this
		// finds the flight.
		fctx, f, err := c.track(e.Spec.ID, ctx)
		if err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			rep.Aborted = true
			break
		}
		entry, err := c.q.Lease(e.Spec.ID)
		if err != nil {
			// Cancelled or cleared since NextReady.
			c.untrack(e.Spec.ID, f)
			continue
		}

		repMu.Lock()
		rep.Attempted++
		repMu.Unlock()

		g.Go(func() error {
			defer c.untrack(entry.Spec.ID, f)
			// Flush shares the delivery slots with immediate submissions.
			var res flushResult
			if err := c.sem.Acquire(fctx, 1); err != nil {
				res = c.settleUnsent(f, entry.Spec.ID)
			} else {
				res = c.flushOne(fctx, f, entry)
				c.sem.Release(1)
			}
			repMu.Lock()
			switch res {
			case flushDelivered:
				rep.Delivered++
			case flushDropped:
				rep.Dropped++
			case flushRequeued:
				rep.Requeued++
			}
			repMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep.Remaining = c.q.Count()
	rep.Duration = time.Since(start)

	c.bus.Publish(events.Event{
		Kind: events.QueueFlushed,
		Flush: &events.FlushSummary{
			Attempted: rep.Attempted,
			Delivered: rep.Delivered,
			Dropped:   rep.Dropped,
			Remaining: rep.Remaining,
			Aborted:   rep.Aborted,
		},
	})
	c.log.Info("flush pass finished",
		zap.Int("attempted", rep.Attempted),
		zap.Int("delivered", rep.Delivered),
		zap.Int("dropped", rep.Dropped),
		zap.Int("requeued", rep.Requeued),
		zap.Int("remaining", rep.Remaining),
		zap.Bool("aborted", rep.Aborted),
		zap.Duration("took", rep.Duration))
	return rep, nil
}

type flushResult uint8

const (
	flushDelivered flushResult = iota
	flushDropped
	flushRequeued
	flushGone
)

// flushOne makes one attempt for a leased entry and settles it.
func (c *Coordinator) flushOne(ctx context.Context, f *flight, e types.QueueEntry) flushResult {
	id := e.Spec.ID
	if ctx.Err() != nil {
		return c.settleUnsent(f, id)
	}

	prepared, err := c.prepare(&e.Spec)
	if err != nil {
		c.log.Error("cannot prepare queued entry", zap.String("request_id", id), zap.Error(err))
		return c.drop(id, types.DropNonRetryable)
	}

	out := c.d.Attempt(ctx, prepared)
	switch {
	case out.Success:
		if _, ok := c.q.Remove(id); !ok {
			return flushGone
		}
		return flushDelivered
	case out.Category == types.CategoryCancelled:
		if f.cancelled.Load() {
			return c.drop(id, types.DropCancelled)
		}
		return c.release(id, false)
	case out.Category == types.CategoryClientError:
		c.log.Warn("queued entry rejected by endpoint",
			zap.String("request_id", id),
			zap.Int("status", out.StatusCode))
		return c.drop(id, types.DropNonRetryable)
	default:
		return c.release(id, true)
	}
}

// settleUnsent settles a leased entry whose attempt never started.
func (c *Coordinator) settleUnsent(f *flight, id string) flushResult {
	if f.cancelled.Load() {
		return c.drop(id, types.DropCancelled)
	}
	return c.release(id, false)
}

func (c *Coordinator) drop(id string, reason types.DropReason) flushResult {
	if _, ok := c.q.Drop(id, reason); !ok {
		return flushGone
	}
	return flushDropped
}

func (c *Coordinator) release(id string, attempted bool) flushResult {
	res, err := c.q.Release(id, attempted)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return flushGone
	case err != nil:
		c.log.Warn("release failed", zap.String("request_id", id), zap.Error(err))
		return flushGone
	case res.Dropped:
		return flushDropped
	}
	return flushRequeued
}
