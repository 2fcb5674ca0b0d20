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

package watch_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/nforgeio/operator-sdk-sub002/pkg/cache"
	apiclient "github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/queue"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
	"github.com/nforgeio/operator-sdk-sub002/pkg/watch"
)

// fakeStream is a manually driven client.WatchStream.
type fakeStream struct {
	events chan apiclient.WatchEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan apiclient.WatchEvent, 8), closed: make(chan struct{})}
}

func (s *fakeStream) Events() <-chan apiclient.WatchEvent { return s.events }
func (s *fakeStream) Close() {
	s.once.Do(func() { close(s.closed) })
}

// fakeWatchClient implements client.Interface, backing List with a fixed
// snapshot and Watch with a queue of streams handed out on each call so a
// test can force a resourceVersion-expiry restart.
type fakeWatchClient struct {
	apiclient.Interface

	mutex      sync.Mutex
	listResult apiclient.ListResult
	listErr    error
	streams    []*fakeStream
	watchCalls int
}

func (c *fakeWatchClient) List(ctx context.Context, gvr types.GVR, namespace string, sel apiclient.Selectors, resourceVersion string) (apiclient.ListResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.listResult, c.listErr
}

func (c *fakeWatchClient) Watch(ctx context.Context, gvr types.GVR, namespace string, sel apiclient.Selectors, resourceVersion string, allowBookmarks bool) (apiclient.WatchStream, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.watchCalls >= len(c.streams) {
		// Block forever rather than error, once the test has exhausted its
		// scripted streams.
		s := newFakeStream()
		c.watchCalls++
		return s, nil
	}
	s := c.streams[c.watchCalls]
	c.watchCalls++
	return s, nil
}

func newObj(name, rv string) types.Object {
	obj := types.Object{Object: map[string]any{}}
	obj.SetName(name)
	obj.SetNamespace("ns")
	obj.SetResourceVersion(rv)
	return obj
}

var _ = Describe("Watcher", func() {
	var (
		c   *cache.Cache
		q   *queue.Queue
		gvr types.GVR
	)

	BeforeEach(func() {
		c = cache.New()
		q = queue.New(queue.Options{})
		gvr = types.GVR{Group: "example.com", Version: "v1", Resource: "widgets"}
	})

	It("populates the cache and queue from the initial LIST, then stream updates", func() {
		stream := newFakeStream()
		fc := &fakeWatchClient{
			listResult: apiclient.ListResult{Items: []types.Object{newObj("a", "1")}, ResourceVersion: "1"},
			streams:    []*fakeStream{stream},
		}
		w := watch.New(watch.Options{GVR: gvr, WatchRetryDelay: 50 * time.Millisecond}, fc, c, q)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Run(ctx) }()

		key := types.Key{GVR: gvr, Namespace: "ns", Name: "a"}
		Eventually(func() bool {
			_, found := c.Get(key)
			return found
		}, time.Second).Should(BeTrue())
		Eventually(w.Connected, time.Second).Should(BeTrue())

		stream.events <- apiclient.WatchEvent{Type: types.Modified, Object: newObj("a", "2")}

		Eventually(func() string {
			got, _ := c.Get(key)
			return got.ResourceVersion
		}, time.Second).Should(Equal("2"))
	})

	It("removes the key from the cache on a Deleted event", func() {
		stream := newFakeStream()
		fc := &fakeWatchClient{
			listResult: apiclient.ListResult{Items: []types.Object{newObj("a", "1")}, ResourceVersion: "1"},
			streams:    []*fakeStream{stream},
		}
		w := watch.New(watch.Options{GVR: gvr, WatchRetryDelay: 50 * time.Millisecond}, fc, c, q)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Run(ctx) }()

		key := types.Key{GVR: gvr, Namespace: "ns", Name: "a"}
		Eventually(func() bool {
			_, found := c.Get(key)
			return found
		}, time.Second).Should(BeTrue())

		stream.events <- apiclient.WatchEvent{Type: types.Deleted, Object: newObj("a", "2")}

		Eventually(func() bool {
			_, found := c.Get(key)
			return found
		}, time.Second).Should(BeFalse())
	})

	It("re-lists after the watch stream reports a Gone/expired error", func() {
		firstStream := newFakeStream()
		fc := &fakeWatchClient{
			listResult: apiclient.ListResult{Items: nil, ResourceVersion: "1"},
			streams:    []*fakeStream{firstStream, newFakeStream()},
		}
		w := watch.New(watch.Options{GVR: gvr, WatchRetryDelay: 10 * time.Millisecond}, fc, c, q)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Run(ctx) }()

		Eventually(func() int { fc.mutex.Lock(); defer fc.mutex.Unlock(); return fc.watchCalls }, time.Second).Should(BeNumerically(">=", 1))

		firstStream.events <- apiclient.WatchEvent{
			Type: types.Error,
			Err:  apierrors.NewGone("resourceVersion too old"),
		}

		Eventually(func() int { fc.mutex.Lock(); defer fc.mutex.Unlock(); return fc.watchCalls }, time.Second).Should(BeNumerically(">=", 2))
	})

	It("reports DisconnectedFor once the list call starts failing", func() {
		fc := &fakeWatchClient{listErr: apierrors.NewServiceUnavailable("down")}
		w := watch.New(watch.Options{GVR: gvr, WatchRetryDelay: 20 * time.Millisecond}, fc, c, q)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Run(ctx) }()

		Eventually(func() time.Duration { return w.DisconnectedFor() }, time.Second).Should(BeNumerically(">", 0))
		Expect(w.Connected()).To(BeFalse())
	})
})
