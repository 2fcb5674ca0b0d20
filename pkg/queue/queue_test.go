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

package queue_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

var _ = Describe("Queue", func() {
	var (
		q   *queue.Queue
		key types.Key
	)

	BeforeEach(func() {
		q = queue.New(queue.Options{})
		key = types.Key{Namespace: "ns", Name: "a"}
	})

	Context("Add then Get", func() {
		It("delivers the item", func() {
			q.Add(key, "created")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			item, ok := q.Get(ctx)

			Expect(ok).To(BeTrue())
			Expect(item.Key).To(Equal(key))
			Expect(item.Forced).To(BeFalse())
		})
	})

	Context("a second Add while already queued", func() {
		It("coalesces instead of duplicating", func() {
			q.Add(key, "created")
			q.Add(key, "updated")

			Expect(q.Len()).To(Equal(1))
		})
	})

	Context("a second Add while the key is in-flight", func() {
		It("marks the waiting item Forced and redelivers after Done", func() {
			q.Add(key, "created")
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, ok := q.Get(ctx)
			Expect(ok).To(BeTrue())

			q.Add(key, "updated-while-in-flight")
			q.Done(key, queue.Outcome{})

			item, ok := q.Get(ctx)
			Expect(ok).To(BeTrue())
			Expect(item.Forced).To(BeTrue())
		})
	})

	Context("AddAfter", func() {
		It("does not become eligible before the delay elapses", func() {
			q.AddAfter(key, 200*time.Millisecond, "delayed")
			Expect(q.Len()).To(Equal(0))

			Eventually(q.Len, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
		})
	})

	Context("Done with RateLimited", func() {
		It("schedules a backoff requeue rather than immediate eligibility", func() {
			q.Add(key, "created")
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, ok := q.Get(ctx)
			Expect(ok).To(BeTrue())

			q.Done(key, queue.Outcome{RateLimited: true})

			Expect(q.Len()).To(Equal(0))
			Eventually(q.Len, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
		})
	})

	Context("ShutDown", func() {
		It("unblocks a pending Get with ok=false", func() {
			done := make(chan bool, 1)
			go func() {
				_, ok := q.Get(context.Background())
				done <- ok
			}()

			Eventually(func() bool {
				q.ShutDown()
				return true
			}).Should(BeTrue())

			Eventually(done, time.Second).Should(Receive(BeFalse()))
		})

		It("rejects further Add calls", func() {
			q.ShutDown()
			q.Add(key, "after-shutdown")
			Expect(q.Len()).To(Equal(0))
		})
	})

	Context("a canceled context passed to Get", func() {
		It("returns ok=false without a queued item", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, ok := q.Get(ctx)
			Expect(ok).To(BeFalse())
		})
	})
})
