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

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/nforgeio/operator-sdk-sub002/internal/events"
	"github.com/nforgeio/operator-sdk-sub002/pkg/cache"
	"github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/finalizer"
	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/reconcile"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
	"github.com/nforgeio/operator-sdk-sub002/pkg/watch"
)

// ControllerOptions wires together one watched GVR's pipeline (spec §2 data
// flow: Watcher -> ResourceCache + EventQueue -> Reconciler).
type ControllerOptions struct {
	Name                    string
	GVR                     types.GVR
	Namespace               string
	Selectors               client.Selectors
	MaxConcurrentReconciles int
	ReconcileTimeout        time.Duration
	ErrorMinRequeueInterval time.Duration
	ErrorMaxRequeueInterval time.Duration
	WatchRetryDelay         time.Duration
	ForceReapplyPeriod      time.Duration
	Reconcile               reconcile.Func
	OnDelete                reconcile.DeleteFunc
	Finalizers              []finalizer.Finalizer
	Recorder                *events.DeduplicatingRecorder
}

// Controller owns one GVR's cache, queue, watcher and reconciler runtime.
type Controller struct {
	opts       ControllerOptions
	cache      *cache.Cache
	queue      *queue.Queue
	watcher    *watch.Watcher
	reconciler *reconcile.Reconciler
	finalizers *finalizer.Manager

	mutex   sync.Mutex
	synced  bool
	started bool
}

// newController builds (but does not start) a Controller.
func newController(opts ControllerOptions, apiClient client.Interface) (*Controller, error) {
	c := cache.New()
	q := queue.New(queue.Options{MinRequeueInterval: opts.ErrorMinRequeueInterval, MaxRequeueInterval: opts.ErrorMaxRequeueInterval})

	finMgr := finalizer.NewManager(apiClient)
	for _, f := range opts.Finalizers {
		if err := finMgr.Register(f); err != nil {
			return nil, err
		}
	}

	w := watch.New(watch.Options{
		GVR:             opts.GVR,
		Namespace:       opts.Namespace,
		Selectors:       opts.Selectors,
		WatchRetryDelay: opts.WatchRetryDelay,
		ControllerName:  opts.Name,
	}, apiClient, c, q)

	r := reconcile.New(reconcile.Options{
		ControllerName:          opts.Name,
		MaxConcurrentReconciles: opts.MaxConcurrentReconciles,
		ReconcileTimeout:        opts.ReconcileTimeout,
		ForceReapplyPeriod:      opts.ForceReapplyPeriod,
		Recorder:                opts.Recorder,
	}, opts.GVR, q, c, finMgr, opts.Reconcile, opts.OnDelete)

	return &Controller{opts: opts, cache: c, queue: q, watcher: w, reconciler: r, finalizers: finMgr}, nil
}

// run starts the watcher and the reconciler worker pool together and blocks
// until ctx is canceled. The workers do not wait for the initial LIST to
// finish; the watcher writes each listed object to the cache before it queues
// the object's key, so every dequeued key already has its object cached.
func (c *Controller) run(ctx context.Context) error {
	c.mutex.Lock()
	c.started = true
	c.mutex.Unlock()

	errCh := make(chan error, 2)
	go func() { errCh <- c.watcher.Run(ctx) }()
	go func() { errCh <- c.reconciler.Start(ctx) }()

	<-ctx.Done()
	c.queue.ShutDown()
	// Wait for both goroutines to exit before returning. This wait has no
	// bound of its own; gracefulShutdownTimeout is enforced one level up, by
	// the Manager, which stops waiting for this method after that timeout.
	<-errCh
	<-errCh
	return ctx.Err()
}

// Synced reports whether the controller's initial LIST has completed (spec
// §4.H "Startup" health semantics). Once true it stays true, even if the
// watcher later disconnects.
func (c *Controller) Synced() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.synced && c.watcher.Connected() {
		c.synced = true
	}
	return c.synced
}

// Connected reports the watcher's liveness (spec §4.H).
func (c *Controller) Connected() bool {
	return c.watcher.Connected()
}

func (c *Controller) DisconnectedFor() time.Duration {
	return c.watcher.DisconnectedFor()
}

func (c *Controller) QueueDepth() int {
	return c.queue.Len()
}
