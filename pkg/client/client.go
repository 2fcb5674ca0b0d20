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

// Package client declares the APIClient capability (spec §6) that the rest of
// this module is built against. It is intentionally an interface: the Kubernetes
// REST/WebSocket transport itself is an external collaborator (spec §1), out of
// scope for this library. Callers wire in an implementation backed by
// k8s.io/client-go's dynamic or typed clients; tests wire in a fake.
package client

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Selectors narrow a LIST or WATCH call.
type Selectors struct {
	Label string
	Field string
}

// ListResult is the outcome of a LIST call: the decoded items plus the
// resourceVersion of the collection as a whole (spec §4.B step 1).
type ListResult struct {
	Items           []types.Object
	ResourceVersion string
}

// WatchEvent is a single frame from the WATCH stream, prior to pipeline
// processing (the Watcher enriches this into the richer internal WatchEvent
// defined in pkg/watch).
type WatchEvent struct {
	Type   types.EventKind
	Object types.Object
	// Err is set when Type == types.Error; callers must distinguish a Gone/410
	// ("Expired") condition from other transport failures, see isExpired in
	// pkg/watch.
	Err error
}

// WatchStream is a cancellable source of WatchEvents. Close must be safe to call
// more than once and must unblock any goroutine reading from Events().
type WatchStream interface {
	Events() <-chan WatchEvent
	Close()
}

// Lease mirrors the subset of coordination.k8s.io/v1.Lease fields the
// LeaderElector needs (spec §3, LeaderLease entity).
type Lease struct {
	Name                 string
	Namespace            string
	HolderIdentity       string
	LeaseDurationSeconds int32
	AcquireTime          metav1.MicroTime
	RenewTime            metav1.MicroTime
	// ResourceVersion supports optimistic-concurrency create-or-update.
	ResourceVersion string
}

// Interface is the APIClient capability consumed by every pipeline component
// (spec §6). Implementations must be safe for concurrent use.
type Interface interface {
	List(ctx context.Context, gvr types.GVR, namespace string, sel Selectors, resourceVersion string) (ListResult, error)
	Watch(ctx context.Context, gvr types.GVR, namespace string, sel Selectors, resourceVersion string, allowBookmarks bool) (WatchStream, error)
	Patch(ctx context.Context, gvr types.GVR, namespace, name string, patchType types.PatchType, body []byte) (types.Object, error)
	Update(ctx context.Context, gvr types.GVR, namespace string, obj types.Object) (types.Object, error)

	GetLease(ctx context.Context, namespace, name string) (Lease, error)
	CreateOrUpdateLease(ctx context.Context, lease Lease) (Lease, error)
}
