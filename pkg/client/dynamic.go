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

package client

import (
	"context"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/record"

	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// dynamicClient is the default Interface implementation, built on
// k8s.io/client-go's dynamic client, the same split of concerns the teacher's
// pkg/cluster.Client bundles (a generic client plus a discovery client plus
// an event recorder), adapted here to the unstructured-only, GVR-addressed
// shape this module's pipeline uses instead of controller-runtime's
// client.Client.
type dynamicClient struct {
	dyn       dynamic.Interface
	discovery discovery.DiscoveryInterface
	recorder  record.EventRecorder
}

// NewDynamicClient wraps a dynamic.Interface (and its companion discovery
// client and event recorder) as the APIClient capability every pipeline
// component consumes.
func NewDynamicClient(dyn dynamic.Interface, disco discovery.DiscoveryInterface, recorder record.EventRecorder) Interface {
	return &dynamicClient{dyn: dyn, discovery: disco, recorder: recorder}
}

func (c *dynamicClient) DiscoveryClient() discovery.DiscoveryInterface {
	return c.discovery
}

func (c *dynamicClient) EventRecorder() record.EventRecorder {
	return c.recorder
}

func (c *dynamicClient) resourceFor(gvr types.GVR, namespace string) dynamic.ResourceInterface {
	r := c.dyn.Resource(gvr)
	if namespace == "" {
		return r
	}
	return r.Namespace(namespace)
}

func (c *dynamicClient) List(ctx context.Context, gvr types.GVR, namespace string, sel Selectors, resourceVersion string) (ListResult, error) {
	list, err := c.resourceFor(gvr, namespace).List(ctx, metav1.ListOptions{
		LabelSelector:   sel.Label,
		FieldSelector:   sel.Field,
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		return ListResult{}, errors.Wrap(err, "list failed")
	}
	items := make([]types.Object, len(list.Items))
	copy(items, list.Items)
	return ListResult{Items: items, ResourceVersion: list.GetResourceVersion()}, nil
}

type dynamicWatchStream struct {
	watcher watch.Interface
	events  chan WatchEvent
	done    chan struct{}
}

func (s *dynamicWatchStream) Events() <-chan WatchEvent { return s.events }

func (s *dynamicWatchStream) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.watcher.Stop()
	}
}

func (c *dynamicClient) Watch(ctx context.Context, gvr types.GVR, namespace string, sel Selectors, resourceVersion string, allowBookmarks bool) (WatchStream, error) {
	w, err := c.resourceFor(gvr, namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:       sel.Label,
		FieldSelector:       sel.Field,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: allowBookmarks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "watch failed")
	}
	stream := &dynamicWatchStream{watcher: w, events: make(chan WatchEvent), done: make(chan struct{})}
	go stream.pump()
	return stream, nil
}

func (s *dynamicWatchStream) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.ResultChan():
			if !ok {
				return
			}
			out := toWatchEvent(ev)
			select {
			case s.events <- out:
			case <-s.done:
				return
			}
		}
	}
}

func toWatchEvent(ev watch.Event) WatchEvent {
	switch ev.Type {
	case watch.Added:
		return fromObject(types.Added, ev.Object)
	case watch.Modified:
		return fromObject(types.Modified, ev.Object)
	case watch.Deleted:
		return fromObject(types.Deleted, ev.Object)
	case watch.Bookmark:
		return fromObject(types.Bookmark, ev.Object)
	default:
		if status, ok := ev.Object.(*metav1.Status); ok {
			return WatchEvent{Type: types.Error, Err: apierrors.FromObject(status)}
		}
		return WatchEvent{Type: types.Error, Err: errors.New("unrecognized watch event")}
	}
}

func fromObject(kind types.EventKind, obj any) WatchEvent {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return WatchEvent{Type: types.Error, Err: errors.New("watch event payload was not unstructured")}
	}
	return WatchEvent{Type: kind, Object: *u}
}

func (c *dynamicClient) Patch(ctx context.Context, gvr types.GVR, namespace, name string, patchType types.PatchType, body []byte) (types.Object, error) {
	var pt apitypes.PatchType
	switch patchType {
	case types.JSONPatch:
		pt = apitypes.JSONPatchType
	case types.StrategicMergePatch:
		pt = apitypes.StrategicMergePatchType
	default:
		pt = apitypes.MergePatchType
	}
	obj, err := c.resourceFor(gvr, namespace).Patch(ctx, name, pt, body, metav1.PatchOptions{})
	if err != nil {
		return types.Object{}, errors.Wrap(err, "patch failed")
	}
	return *obj, nil
}

func (c *dynamicClient) Update(ctx context.Context, gvr types.GVR, namespace string, obj types.Object) (types.Object, error) {
	updated, err := c.resourceFor(gvr, namespace).Update(ctx, &obj, metav1.UpdateOptions{})
	if err != nil {
		return types.Object{}, errors.Wrap(err, "update failed")
	}
	return *updated, nil
}

var leaseGVR = types.GVR{Group: "coordination.k8s.io", Version: "v1", Resource: "leases"}

func (c *dynamicClient) GetLease(ctx context.Context, namespace, name string) (Lease, error) {
	obj, err := c.resourceFor(leaseGVR, namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Lease{}, errors.Wrap(err, "get lease failed")
	}
	return leaseFromObject(*obj), nil
}

func (c *dynamicClient) CreateOrUpdateLease(ctx context.Context, lease Lease) (Lease, error) {
	obj := leaseToObject(lease)
	var result *unstructured.Unstructured
	var err error
	if lease.ResourceVersion == "" {
		result, err = c.resourceFor(leaseGVR, lease.Namespace).Create(ctx, &obj, metav1.CreateOptions{})
	} else {
		result, err = c.resourceFor(leaseGVR, lease.Namespace).Update(ctx, &obj, metav1.UpdateOptions{})
	}
	if err != nil {
		return Lease{}, errors.Wrap(err, "create or update lease failed")
	}
	return leaseFromObject(*result), nil
}

func leaseFromObject(obj unstructured.Unstructured) Lease {
	spec, _, _ := unstructured.NestedMap(obj.Object, "spec")
	l := Lease{Name: obj.GetName(), Namespace: obj.GetNamespace(), ResourceVersion: obj.GetResourceVersion()}
	if v, ok := spec["holderIdentity"].(string); ok {
		l.HolderIdentity = v
	}
	if v, ok := spec["leaseDurationSeconds"].(int64); ok {
		l.LeaseDurationSeconds = int32(v)
	}
	if v, ok := spec["acquireTime"].(string); ok && v != "" {
		var t metav1.MicroTime
		if err := t.UnmarshalQueryParameter(v); err == nil {
			l.AcquireTime = t
		}
	}
	if v, ok := spec["renewTime"].(string); ok && v != "" {
		var t metav1.MicroTime
		if err := t.UnmarshalQueryParameter(v); err == nil {
			l.RenewTime = t
		}
	}
	return l
}

func leaseToObject(l Lease) unstructured.Unstructured {
	spec := map[string]any{
		"holderIdentity":       l.HolderIdentity,
		"leaseDurationSeconds": int64(l.LeaseDurationSeconds),
	}
	if !l.AcquireTime.IsZero() {
		if v, err := l.AcquireTime.MarshalQueryParameter(); err == nil {
			spec["acquireTime"] = v
		}
	}
	if !l.RenewTime.IsZero() {
		if v, err := l.RenewTime.MarshalQueryParameter(); err == nil {
			spec["renewTime"] = v
		}
	}
	obj := unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "coordination.k8s.io/v1",
		"kind":       "Lease",
		"metadata": map[string]any{
			"name":      l.Name,
			"namespace": l.Namespace,
		},
		"spec": spec,
	}}
	if l.ResourceVersion != "" {
		obj.SetResourceVersion(l.ResourceVersion)
	}
	return obj
}
