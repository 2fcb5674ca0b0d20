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

package leaderelection_test

import (
	"context"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	apiclient "github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/leaderelection"
)

func nowMicro() metav1.MicroTime {
	return metav1.NewMicroTime(time.Now())
}

// fakeLeaseStore is an in-memory client.Interface backing only the lease
// operations the Elector needs, with monotonically increasing resource
// versions to catch any caller that skips the read-before-write.
type fakeLeaseStore struct {
	apiclient.Interface

	mutex sync.Mutex
	lease *apiclient.Lease
	rv    int
}

func (s *fakeLeaseStore) GetLease(ctx context.Context, namespace, name string) (apiclient.Lease, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.lease == nil {
		return apiclient.Lease{}, apierrs.NewNotFound(schema.GroupResource{Group: "coordination.k8s.io", Resource: "leases"}, name)
	}
	return *s.lease, nil
}

func (s *fakeLeaseStore) CreateOrUpdateLease(ctx context.Context, lease apiclient.Lease) (apiclient.Lease, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rv++
	lease.ResourceVersion = strconv.Itoa(s.rv)
	s.lease = &lease
	return lease, nil
}

var _ = Describe("Elector", func() {
	var store *fakeLeaseStore

	BeforeEach(func() {
		store = &fakeLeaseStore{}
	})

	It("acquires an unheld lease and calls OnStartedLeading", func() {
		started := make(chan struct{})
		e := leaderelection.New(leaderelection.Options{
			LeaseName:      "my-operator",
			LeaseNamespace: "ns",
			LeaseDuration:  200 * time.Millisecond,
			RenewDeadline:  150 * time.Millisecond,
			RetryPeriod:    20 * time.Millisecond,
		}, store, leaderelection.Callbacks{
			OnStartedLeading: func(ctx context.Context) { close(started) },
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		go func() { _ = e.Run(ctx) }()

		Eventually(started, time.Second).Should(BeClosed())
		Eventually(e.State, time.Second).Should(Equal(leaderelection.Leader))
	})

	It("does not acquire a lease already held by a live identity", func() {
		store.lease = &apiclient.Lease{
			HolderIdentity:       "someone-else",
			LeaseDurationSeconds: 300,
			RenewTime:            nowMicro(),
		}

		e := leaderelection.New(leaderelection.Options{
			LeaseName:      "my-operator",
			LeaseNamespace: "ns",
			LeaseDuration:  200 * time.Millisecond,
			RenewDeadline:  150 * time.Millisecond,
			RetryPeriod:    20 * time.Millisecond,
		}, store, leaderelection.Callbacks{})

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_ = e.Run(ctx)

		Expect(e.State()).To(Equal(leaderelection.Follower))
	})

	It("steps down and calls OnStoppedLeading once the held lease expires and a rival writes it", func() {
		var stopped bool
		var mu sync.Mutex

		e := leaderelection.New(leaderelection.Options{
			Identity:       "self",
			LeaseName:      "my-operator",
			LeaseNamespace: "ns",
			LeaseDuration:  50 * time.Millisecond,
			RenewDeadline:  40 * time.Millisecond,
			RetryPeriod:    10 * time.Millisecond,
		}, store, leaderelection.Callbacks{
			OnStoppedLeading: func() {
				mu.Lock()
				stopped = true
				mu.Unlock()
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		go func() { _ = e.Run(ctx) }()

		Eventually(e.State, time.Second).Should(Equal(leaderelection.Leader))

		// A rival takes over the lease out from under us, simulating a
		// network partition that prevents our renewals from landing.
		store.mutex.Lock()
		store.lease = &apiclient.Lease{HolderIdentity: "rival", LeaseDurationSeconds: 300, RenewTime: nowMicro()}
		store.mutex.Unlock()

		Eventually(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return stopped
		}, time.Second).Should(BeTrue())
	})
})
