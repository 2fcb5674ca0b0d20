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

// Package watch implements Watcher (spec §4.B): a long-poll LIST+WATCH loop
// against a single GVR that survives resourceVersion expiry, translates
// frames into WatchEvents, keeps ResourceCache current, and posts reconcile
// intents to the EventQueue — all without ever blocking on a slow reconciler
// (spec §4.B step 5).
package watch

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	internalmetrics "github.com/nforgeio/operator-sdk-sub002/internal/metrics"
	"github.com/nforgeio/operator-sdk-sub002/pkg/cache"
	apierr "github.com/nforgeio/operator-sdk-sub002/pkg/apierrors"
	"github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Event is the pipeline-internal event shape (spec §3): the raw
// client.WatchEvent's kind and object plus a creation time. Attempt and
// forced bookkeeping is kept on queue.Item, not here. Bookmarks
// carry no reconcile intent (spec §3 invariant); only EventQueue.Add calls
// derived from Added/Modified/Deleted ever reach the reconciler.
type Event struct {
	Kind      types.EventKind
	Object    types.Object
	CreatedAt time.Time
}

// Options configures a Watcher (spec §6 configuration surface).
type Options struct {
	GVR             types.GVR
	Namespace       string
	Selectors       client.Selectors
	WatchRetryDelay time.Duration
	ControllerName  string
}

// Watcher drives the LIST+WATCH protocol for a single GVR.
type Watcher struct {
	opts      Options
	apiClient client.Interface
	cache     *cache.Cache
	queue     *queue.Queue

	resourceVersion string
	connected       bool
	lastDisconnect  time.Time
}

func New(opts Options, apiClient client.Interface, c *cache.Cache, q *queue.Queue) *Watcher {
	if opts.WatchRetryDelay <= 0 {
		opts.WatchRetryDelay = 30 * time.Second
	}
	return &Watcher{opts: opts, apiClient: apiClient, cache: c, queue: q}
}

// Connected reports whether the watch stream is currently established, for
// the ControllerManager's liveness probe (spec §4.H: "fails if any Watcher
// has been disconnected longer than 2 x watchRetryDelay").
func (w *Watcher) Connected() bool { return w.connected }

// DisconnectedFor reports how long the watcher has been without an active
// stream; zero while connected.
func (w *Watcher) DisconnectedFor() time.Duration {
	if w.connected || w.lastDisconnect.IsZero() {
		return 0
	}
	return time.Since(w.lastDisconnect)
}

// Run drives the watch loop until ctx is canceled. It never returns an error
// for conditions the loop itself recovers from (Gone, transient I/O); it
// returns only on context cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("controller", w.opts.ControllerName, "gvr", w.opts.GVR.String())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.resourceVersion == "" {
			if err := w.relist(ctx, logger); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.markDisconnected()
				internalmetrics.WatchRestarts.WithLabelValues(w.opts.ControllerName, "list-error").Inc()
				logger.Error(err, "list failed, retrying after delay")
				if !sleep(ctx, w.opts.WatchRetryDelay) {
					return ctx.Err()
				}
				continue
			}
		}

		err := w.streamOnce(ctx, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case isExpired(err):
			internalmetrics.WatchRestarts.WithLabelValues(w.opts.ControllerName, "expired").Inc()
			logger.V(1).Info("resourceVersion expired, re-listing")
			w.resourceVersion = ""
		case err != nil:
			w.markDisconnected()
			internalmetrics.WatchRestarts.WithLabelValues(w.opts.ControllerName, "transient").Inc()
			logger.Error(err, "watch stream failed, retrying after delay")
			if !sleep(ctx, w.opts.WatchRetryDelay) {
				return ctx.Err()
			}
		default:
			// clean cancellation
			return ctx.Err()
		}
	}
}

func (w *Watcher) relist(ctx context.Context, logger logr.Logger) error {
	result, err := w.apiClient.List(ctx, w.opts.GVR, w.opts.Namespace, w.opts.Selectors, "")
	if err != nil {
		return apierr.Wrap(err, "list failed")
	}
	for i := range result.Items {
		obj := result.Items[i]
		w.handleObjectEvent(types.Added, &obj, logger)
	}
	w.resourceVersion = result.ResourceVersion
	w.markConnected()
	return nil
}

func (w *Watcher) streamOnce(ctx context.Context, logger logr.Logger) error {
	stream, err := w.apiClient.Watch(ctx, w.opts.GVR, w.opts.Namespace, w.opts.Selectors, w.resourceVersion, true)
	if err != nil {
		return apierr.Wrap(err, "watch failed")
	}
	defer stream.Close()
	w.markConnected()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return apierr.New("watch stream closed")
			}
			if ev.Type == types.Error {
				return ev.Err
			}
			if ev.Type == types.Bookmark {
				w.resourceVersion = ev.Object.GetResourceVersion()
				continue
			}
			obj := ev.Object
			w.handleObjectEvent(ev.Type, &obj, logger)
			w.resourceVersion = obj.GetResourceVersion()
		}
	}
}

func (w *Watcher) handleObjectEvent(kind types.EventKind, obj *types.Object, logger logr.Logger) {
	key := types.KeyForObject(w.opts.GVR, obj)
	switch kind {
	case types.Deleted:
		w.cache.Remove(key)
	default:
		w.cache.Upsert(key, obj)
	}
	w.queue.Add(key, string(kind))
	logger.V(2).Info("posted reconcile intent", "key", key.String(), "kind", kind)
}

func (w *Watcher) markConnected() {
	w.connected = true
	w.lastDisconnect = time.Time{}
}

func (w *Watcher) markDisconnected() {
	w.connected = false
	if w.lastDisconnect.IsZero() {
		w.lastDisconnect = time.Now()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// isExpired reports whether err represents an HTTP 410 Gone / "Expired"
// resourceVersion condition (spec §4.B step 4, §7 kind 2).
func isExpired(err error) bool {
	if err == nil {
		return false
	}
	return apierrors.IsGone(err) || apierrors.IsResourceExpired(err)
}
