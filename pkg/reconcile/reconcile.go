/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package reconcile implements the Reconciler runtime (spec §4.E): a bounded
// worker pool draining EventQueue, translating user reconcile results
// (including recovered panics) into queue outcomes. Results are a typed
// sum-type (Result, error) rather than an exception-based requeue request,
// per the redesign note in spec §9.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nforgeio/operator-sdk-sub002/internal/contexts"
	"github.com/nforgeio/operator-sdk-sub002/internal/events"
	internalmetrics "github.com/nforgeio/operator-sdk-sub002/internal/metrics"
	apierr "github.com/nforgeio/operator-sdk-sub002/pkg/apierrors"
	"github.com/nforgeio/operator-sdk-sub002/pkg/cache"
	"github.com/nforgeio/operator-sdk-sub002/pkg/finalizer"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Request identifies the object a single reconcile invocation concerns, and
// carries the cache snapshot the runtime already paid for looking up.
type Request struct {
	Key      types.Key
	Object   *types.Object // nil if the object is no longer in the cache (deleted).
	Previous *types.Object // nil if Object is the first version observed for this key, or replaced an object with a different UID.
	InCache  bool
	EventWasDelete bool
}

// Result is the outcome of one invocation of Func (spec §9 redesign note).
type Result struct {
	Requeue      bool
	RequeueAfter time.Duration
}

// Func is the user-supplied reconcile function.
type Func func(ctx context.Context, req Request) (Result, error)

// DeleteFunc is invoked whenever a dequeued key has no object in the cache
// (spec §4.E step 1). The runtime does not check whether that delivery came
// from a Deleted event.
type DeleteFunc func(ctx context.Context, key types.Key) error

// Options configures the Reconciler runtime (spec §6 configuration surface).
type Options struct {
	ControllerName          string
	MaxConcurrentReconciles int
	ReconcileTimeout        time.Duration

	// ForceReapplyPeriod bounds how long the runtime may skip invoking Func for
	// a spec-unchanged redelivery before forcing a reapply anyway, following the
	// teacher's forceReapplyPeriod knob. Zero disables digest-based skipping
	// entirely: every delivery invokes Func.
	ForceReapplyPeriod time.Duration

	// Recorder, if set, receives a "ReconcileFailed" event on every failed
	// attempt, deduplicated per object so a wedged retry loop cannot flood the
	// API server's Event stream.
	Recorder *events.DeduplicatingRecorder
}

// digestState is the last digest successfully reconciled for a key, and when.
type digestState struct {
	digest string
	at     time.Time
}

// Reconciler drains a Queue with a bounded worker pool and dispatches to Func.
type Reconciler struct {
	opts       Options
	queue      *queue.Queue
	cache      *cache.Cache
	finalizers *finalizer.Manager
	gvr        types.GVR
	fn         Func
	onDelete   DeleteFunc

	digests sync.Map // types.Key -> digestState
}

func New(opts Options, gvr types.GVR, q *queue.Queue, c *cache.Cache, finalizers *finalizer.Manager, fn Func, onDelete DeleteFunc) *Reconciler {
	if opts.MaxConcurrentReconciles <= 0 {
		opts.MaxConcurrentReconciles = 1
	}
	return &Reconciler{opts: opts, queue: q, cache: c, finalizers: finalizers, gvr: gvr, fn: fn, onDelete: onDelete}
}

// Start launches the worker pool; it blocks until ctx is canceled and all
// workers have returned (spec §4.E: "never holds more than one user callback
// per key", enforced by Queue's in-flight exclusion, not by this method).
func (r *Reconciler) Start(ctx context.Context) error {
	done := make(chan struct{}, r.opts.MaxConcurrentReconciles)
	for i := 0; i < r.opts.MaxConcurrentReconciles; i++ {
		go func(workerID int) {
			r.worker(ctx, workerID)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < r.opts.MaxConcurrentReconciles; i++ {
		<-done
	}
	return ctx.Err()
}

func (r *Reconciler) worker(ctx context.Context, workerID int) {
	logger := log.FromContext(ctx).WithValues("controller", r.opts.ControllerName, "worker", workerID)
	for {
		item, ok := r.queue.Get(ctx)
		if !ok {
			return
		}
		r.processOne(ctx, logger, item)
	}
}

func (r *Reconciler) processOne(ctx context.Context, logger logr.Logger, item queue.Item) {
	key := item.Key
	itemCtx := context.WithValue(ctx, contexts.ControllerNameKey, r.opts.ControllerName)
	itemCtx = context.WithValue(itemCtx, contexts.AttemptKey, item.Attempt)
	itemLogger := logger.WithValues("key", key.String(), "attempt", item.Attempt, "forced", item.Forced)
	itemCtx = log.IntoContext(itemCtx, itemLogger)

	start := time.Now()
	result, err := r.reconcileOnce(itemCtx, item)
	internalmetrics.ReconcileDurationSeconds.WithLabelValues(r.opts.ControllerName).Observe(time.Since(start).Seconds())

	outcomeLabel := "success"
	switch {
	case err != nil:
		outcomeLabel = "error"
		itemLogger.Error(err, "reconcile failed")
		if r.opts.Recorder != nil {
			if cached, ok := r.cache.Get(key); ok {
				r.opts.Recorder.Eventf(&cached.Object, string(cached.UID), "Warning", "ReconcileFailed", "%s", err.Error())
			}
		}
	case result.Requeue:
		outcomeLabel = "requeue"
	}
	internalmetrics.ReconcilesTotal.WithLabelValues(r.opts.ControllerName, outcomeLabel).Inc()

	r.queue.Done(key, toQueueOutcome(result, err))
}

func toQueueOutcome(result Result, err error) queue.Outcome {
	if err != nil {
		var rq apierr.RequeueError
		if errors.As(err, &rq) {
			if after := rq.After(); after != nil {
				return queue.Outcome{Requeue: true, Delay: *after}
			}
			return queue.Outcome{RateLimited: true}
		}
		var permanent apierr.PermanentError
		if errors.As(err, &permanent) {
			return queue.Outcome{}
		}
		return queue.Outcome{RateLimited: true}
	}
	if result.Requeue {
		return queue.Outcome{Requeue: true, Delay: result.RequeueAfter}
	}
	return queue.Outcome{}
}

func (r *Reconciler) reconcileOnce(ctx context.Context, item queue.Item) (result Result, err error) {
	key := item.Key

	defer func() {
		if p := recover(); p != nil {
			err = apierr.New(fmt.Sprintf("panic in reconcile: %v", p))
		}
	}()

	if r.opts.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ReconcileTimeout)
		defer cancel()
	}

	previous, current := r.cache.Snapshot(key)
	inCache := current != nil

	if !inCache {
		// The key was dequeued for an object no longer in the cache. The
		// optional delete hook runs for every such key, whether the object
		// was deleted or was never observed (e.g. raced with a requeue)
		// (spec §4.E step 1).
		r.digests.Delete(key)
		if r.onDelete != nil {
			if err := r.onDelete(ctx, key); err != nil {
				return Result{}, apierr.Wrap(err, "delete hook failed")
			}
		}
		return Result{}, nil
	}

	obj := current.Object.DeepCopy()
	var prevObj *types.Object
	if previous != nil {
		prevObj = previous.Object.DeepCopy()
	}

	if r.finalizers != nil {
		finResult, err := r.finalizers.EnsureOrDrain(ctx, r.gvr, obj)
		if err != nil {
			return Result{}, apierr.Wrap(err, "finalizer processing failed")
		}
		if finResult.Patched {
			// A watch event for the patch we just issued will redeliver;
			// nothing more to do this round (spec §4.D).
			return Result{}, nil
		}
		if !obj.GetDeletionTimestamp().IsZero() && !finResult.Deletable {
			// Finalizers still outstanding; wait for their next delivery.
			return Result{}, nil
		}
	}

	if !item.Forced && r.opts.ForceReapplyPeriod > 0 && obj.GetDeletionTimestamp().IsZero() {
		digest := specDigest(obj)
		if prev, ok := r.digests.Load(key); ok {
			state := prev.(digestState)
			if state.digest == digest && time.Since(state.at) < r.opts.ForceReapplyPeriod {
				// Redelivery of a spec we already successfully reconciled
				// recently; skip invoking Func (teacher: forceReapplyPeriod).
				return Result{}, nil
			}
		}
	}

	result, err = r.fn(ctx, Request{Key: key, Object: obj, Previous: prevObj, InCache: true})
	if err == nil && r.opts.ForceReapplyPeriod > 0 {
		r.digests.Store(key, digestState{digest: specDigest(obj), at: time.Now()})
	}
	return result, err
}

// specDigest hashes the object's spec field, the same annotationKeyDigest
// technique the teacher uses to decide whether a redelivery is a genuine
// no-op.
func specDigest(obj *types.Object) string {
	spec, found, _ := func() (any, bool, error) {
		v, ok := obj.Object["spec"]
		return v, ok, nil
	}()
	if !found {
		spec = obj.Object
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
