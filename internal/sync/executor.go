// Package sync drains the durable action queue against the remote store.
//
// A drain runs each queued action through a bounded inner retry loop with
// capped exponential backoff. Actions that exhaust the inner loop consume one
// outer attempt and stay queued until they reach their MaxAttempts ceiling.
// At most one drain runs at a time; concurrent requests are rejected as no-ops.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
)

// Sentinel errors.
var (
	ErrMissingID  = errors.New("missing record id")
	ErrValidation = errors.New("invalid action")
	ErrOffline    = errors.New("offline")
)

const (
	DefaultInnerAttempts = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 8 * time.Second
)

// Connectivity reports the last known network state.
type Connectivity interface {
	Online() bool
}

// Result aggregates the outcome of one drain.
type Result struct {
	Success  bool     `json:"success"`
	Synced   int      `json:"synced_count"`
	Failed   int      `json:"failed_count"`
	Deferred int      `json:"deferred_count"`
	Errors   []string `json:"errors,omitempty"`
}

// Reconciler merges a queued row into the stored row existing. A nil existing
// asks for the full row to insert; otherwise the result is the patch to
// apply, and an empty patch means nothing to write.
type Reconciler func(existing, queued remote.Record) remote.Record

// Options tunes retry behavior. Zero values select defaults.
type Options struct {
	InnerAttempts int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// Sleep waits between inner attempts. It must return ctx.Err() when the
	// context ends first.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	// Reconcile maps collections whose updates are applied as upserts
	// through a Reconciler instead of a plain patch.
	Reconcile map[string]Reconciler
}

func (o Options) withDefaults() Options {
	if o.InnerAttempts <= 0 {
		o.InnerAttempts = DefaultInnerAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Executor applies queued actions to a remote store.
type Executor struct {
	queue  *actionqueue.Queue
	remote remote.Store
	net    Connectivity
	opts   Options

	guard       *semaphore.Weighted
	inProgress  atomic.Bool
	lastAttempt atomic.Int64 // unix millis, 0 when never attempted
	lastSuccess atomic.Int64
}

// NewExecutor wires an executor to its queue, remote store and connectivity
// source.
func NewExecutor(q *actionqueue.Queue, store remote.Store, net Connectivity, opts Options) *Executor {
	return &Executor{
		queue:  q,
		remote: store,
		net:    net,
		opts:   opts.withDefaults(),
		guard:  semaphore.NewWeighted(1),
	}
}

// InProgress reports whether a drain currently holds the guard.
func (e *Executor) InProgress() bool { return e.inProgress.Load() }

// LastAttempt returns the start time of the most recent drain that ran while
// online, including drains that found the queue empty, or the zero time.
func (e *Executor) LastAttempt() time.Time { return fromMillis(e.lastAttempt.Load()) }

// LastSuccess returns the finish time of the most recent fully successful
// drain, or the zero time.
func (e *Executor) LastSuccess() time.Time { return fromMillis(e.lastSuccess.Load()) }

// Drain applies every currently queued action. It is a zero-count success
// when another drain is running, the device is offline, or the queue is empty.
func (e *Executor) Drain(ctx context.Context) Result {
	if !e.guard.TryAcquire(1) {
		slog.Debug("sync: drain already in progress")
		return Result{Success: true}
	}
	defer e.guard.Release(1)

	if !e.net.Online() {
		return Result{Success: true}
	}
	e.lastAttempt.Store(e.opts.Now().UnixMilli())
	actions := e.queue.Drainable()
	if len(actions) == 0 {
		return Result{Success: true}
	}

	e.inProgress.Store(true)
	defer e.inProgress.Store(false)

	res := e.run(ctx, actions)
	if res.Success {
		e.lastSuccess.Store(e.opts.Now().UnixMilli())
	}
	slog.Info("sync: drain finished",
		"synced", res.Synced, "failed", res.Failed, "deferred", res.Deferred, "remaining", e.queue.Len())
	return res
}

// ForceSync drains immediately regardless of when the last sync happened.
// Unlike Drain it reports being offline as a failure.
func (e *Executor) ForceSync(ctx context.Context) Result {
	if !e.net.Online() {
		return Result{Success: false, Errors: []string{ErrOffline.Error()}}
	}
	return e.Drain(ctx)
}

// DrainIfDue drains unless a successful drain finished within minInterval.
// It reports whether a drain was attempted.
func (e *Executor) DrainIfDue(ctx context.Context, minInterval time.Duration) (Result, bool) {
	if last := e.LastSuccess(); !last.IsZero() && e.opts.Now().Sub(last) < minInterval {
		return Result{Success: true}, false
	}
	return e.Drain(ctx), true
}

func (e *Executor) run(ctx context.Context, actions []actionqueue.Action) Result {
	var (
		res     Result
		removed []string
		updated []actionqueue.Action
	)

	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		err := e.apply(ctx, a)
		switch {
		case err == nil:
			res.Synced++
			removed = append(removed, a.ID)
		case errors.Is(err, ErrValidation):
			res.Failed++
			removed = append(removed, a.ID)
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s %s: %v", a.Operation, a.Collection, a.ID, err))
			slog.Warn("sync: dropping invalid action", "id", a.ID, "collection", a.Collection, "err", err)
		case ctx.Err() != nil:
			// Interrupted mid-backoff; leave the action untouched.
		default:
			a.AttemptCount++
			if a.AttemptCount >= a.MaxAttempts {
				res.Failed++
				removed = append(removed, a.ID)
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s %s: gave up after %d attempts: %v",
					a.Operation, a.Collection, a.ID, a.AttemptCount, err))
				slog.Error("sync: action exhausted", "id", a.ID, "collection", a.Collection, "attempts", a.AttemptCount, "err", err)
			} else {
				res.Deferred++
				updated = append(updated, a)
				slog.Warn("sync: action deferred", "id", a.ID, "collection", a.Collection, "attempt", a.AttemptCount, "max", a.MaxAttempts, "err", err)
			}
		}
	}

	e.queue.Commit(context.WithoutCancel(ctx), updated, removed)
	res.Success = res.Failed == 0
	return res
}

// apply runs the inner retry loop for one action.
func (e *Executor) apply(ctx context.Context, a actionqueue.Action) error {
	call, err := e.prepare(a)
	if err != nil {
		return err
	}

	var last error
	for attempt := 1; attempt <= e.opts.InnerAttempts; attempt++ {
		if attempt > 1 {
			if err := e.opts.Sleep(ctx, e.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if last = call(ctx); last == nil {
			return nil
		}
		slog.Debug("sync: attempt failed", "id", a.ID, "attempt", attempt, "err", last)
	}
	return last
}

// prepare validates an action and binds it to the matching remote call.
func (e *Executor) prepare(a actionqueue.Action) (func(context.Context) error, error) {
	data, err := a.Payload.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch a.Operation {
	case events.OpCreate:
		rec := remote.Record(data)
		// Stamp the action id so a retried insert lands on the same row.
		if rec.ID() == "" {
			rec["id"] = a.ID
		}
		return func(ctx context.Context) error {
			_, err := e.remote.Insert(ctx, a.Collection, rec)
			return err
		}, nil

	case events.OpUpdate, events.OpDelete:
		id := remote.IDOf(data["id"])
		if id == "" {
			return nil, fmt.Errorf("%w: %w", ErrValidation, ErrMissingID)
		}
		if a.Operation == events.OpDelete {
			return func(ctx context.Context) error {
				return e.remote.Delete(ctx, a.Collection, id)
			}, nil
		}
		if fn := e.opts.Reconcile[a.Collection]; fn != nil {
			queued := remote.Record(data)
			return func(ctx context.Context) error {
				return e.upsert(ctx, a.Collection, id, queued, fn)
			}, nil
		}
		patch := remote.Record(data).Clone()
		delete(patch, "id")
		return func(ctx context.Context) error {
			return e.remote.Update(ctx, a.Collection, id, patch)
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrValidation, a.Operation)
}

// upsert reconciles queued against the stored row id, inserting the row when
// it does not exist yet.
func (e *Executor) upsert(ctx context.Context, collection, id string, queued remote.Record, fn Reconciler) error {
	rows, err := e.remote.SelectWhere(ctx, collection, remote.Filter{"id": id}, 1)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		row := fn(nil, queued)
		row["id"] = id
		stored, err := e.remote.Insert(ctx, collection, row)
		if err != nil {
			return err
		}
		rows = []remote.Record{stored}
	}
	patch := fn(rows[0], queued)
	delete(patch, "id")
	if len(patch) == 0 {
		return nil
	}
	return e.remote.Update(ctx, collection, id, patch)
}

// backoff returns the delay before retry n (1-based): base * 2^(n-1), capped.
func (e *Executor) backoff(n int) time.Duration {
	d := e.opts.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
	}
	return min(d, e.opts.MaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
