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

package reconcile_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nforgeio/operator-sdk-sub002/pkg/cache"
	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/reconcile"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

func specObj(name, rv string, replicas int64) *types.Object {
	obj := &types.Object{Object: map[string]any{
		"spec": map[string]any{"replicas": replicas},
	}}
	obj.SetName(name)
	obj.SetNamespace("ns")
	obj.SetResourceVersion(rv)
	return obj
}

var _ = Describe("Reconciler", func() {
	var (
		q    *queue.Queue
		c    *cache.Cache
		gvr  types.GVR
		key  types.Key
		ctx  context.Context
		stop context.CancelFunc
	)

	BeforeEach(func() {
		q = queue.New(queue.Options{})
		c = cache.New()
		gvr = types.GVR{Group: "example.com", Version: "v1", Resource: "widgets"}
		key = types.Key{GVR: gvr, Namespace: "ns", Name: "a"}
		ctx, stop = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		stop()
		q.ShutDown()
	})

	It("invokes Func with the cached object", func() {
		c.Upsert(key, specObj("a", "1", 1))
		var got types.Key
		fn := func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
			got = req.Key
			return reconcile.Result{}, nil
		}
		r := reconcile.New(reconcile.Options{}, gvr, q, c, nil, fn, nil)
		go func() { _ = r.Start(ctx) }()

		q.Add(key, "create")

		Eventually(func() types.Key { return got }, time.Second).Should(Equal(key))
	})

	It("runs the delete hook once the key is no longer in the cache", func() {
		var deletedKey types.Key
		onDelete := func(ctx context.Context, k types.Key) error {
			deletedKey = k
			return nil
		}
		r := reconcile.New(reconcile.Options{}, gvr, q, c, nil, func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
			return reconcile.Result{}, nil
		}, onDelete)
		go func() { _ = r.Start(ctx) }()

		q.Add(key, "deleted")

		Eventually(func() types.Key { return deletedKey }, time.Second).Should(Equal(key))
	})

	It("carries the prior cached version in Previous once the cache is updated again", func() {
		c.Upsert(key, specObj("a", "1", 1))
		reqs := make(chan reconcile.Request, 4)
		fn := func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
			reqs <- req
			return reconcile.Result{}, nil
		}
		r := reconcile.New(reconcile.Options{}, gvr, q, c, nil, fn, nil)
		go func() { _ = r.Start(ctx) }()

		q.Add(key, "create")
		var first reconcile.Request
		Eventually(reqs, time.Second).Should(Receive(&first))
		Expect(first.Previous).To(BeNil())

		c.Upsert(key, specObj("a", "2", 2))
		q.Add(key, "updated")
		var second reconcile.Request
		Eventually(reqs, time.Second).Should(Receive(&second))
		Expect(second.Previous).NotTo(BeNil())
		Expect(second.Previous.GetResourceVersion()).To(Equal("1"))
		Expect(second.Object.GetResourceVersion()).To(Equal("2"))
	})

	Context("with ForceReapplyPeriod set", func() {
		It("skips a redelivery whose spec digest has not changed", func() {
			c.Upsert(key, specObj("a", "1", 1))
			var calls int32
			fn := func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
				atomic.AddInt32(&calls, 1)
				return reconcile.Result{}, nil
			}
			r := reconcile.New(reconcile.Options{ForceReapplyPeriod: time.Minute}, gvr, q, c, nil, fn, nil)
			go func() { _ = r.Start(ctx) }()

			q.Add(key, "create")
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(1)))

			q.Add(key, "resync")
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(int32(1)))
		})

		It("reapplies once the cached spec digest changes", func() {
			c.Upsert(key, specObj("a", "1", 1))
			var calls int32
			fn := func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
				atomic.AddInt32(&calls, 1)
				return reconcile.Result{}, nil
			}
			r := reconcile.New(reconcile.Options{ForceReapplyPeriod: time.Minute}, gvr, q, c, nil, fn, nil)
			go func() { _ = r.Start(ctx) }()

			q.Add(key, "create")
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(1)))

			c.Upsert(key, specObj("a", "2", 2))
			q.Add(key, "updated")
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(2)))
		})

		It("bypasses the digest skip for a Forced item coalesced while in-flight", func() {
			c.Upsert(key, specObj("a", "1", 1))
			var calls int32
			release := make(chan struct{})
			firstCallStarted := make(chan struct{})
			fn := func(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
				n := atomic.AddInt32(&calls, 1)
				if n == 1 {
					close(firstCallStarted)
					<-release
				}
				return reconcile.Result{}, nil
			}
			r := reconcile.New(reconcile.Options{ForceReapplyPeriod: time.Minute}, gvr, q, c, nil, fn, nil)
			go func() { _ = r.Start(ctx) }()

			q.Add(key, "create")
			Eventually(firstCallStarted, time.Second).Should(BeClosed())

			// Coalesces into the in-flight item and marks it Forced; the
			// spec has not changed, but Forced bypasses the digest skip.
			q.Add(key, "update-while-in-flight")
			close(release)

			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(2)))
		})
	})
})
