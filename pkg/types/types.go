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

// Package types holds the shared vocabulary (object identity, patch kinds, watch
// event kinds) used across the pipeline packages.
package types

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GVR identifies a Kubernetes API surface by group, version and resource (plural).
type GVR = schema.GroupVersionResource

// Object is the wire representation this module operates on. Consumers decode
// API server payloads into unstructured.Unstructured before handing them to the
// pipeline; this keeps the core generic over the caller's concrete API types.
type Object = unstructured.Unstructured

// NamespacedName identifies an object within a single GVR's namespace (or the
// empty string for cluster-scoped kinds).
type NamespacedName struct {
	Namespace string
	Name      string
}

func (k NamespacedName) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}

// Key is the per-object queue/cache key: a GVR plus its namespaced name. Two
// controllers watching different kinds never collide on the same key even if
// the names coincide.
type Key struct {
	GVR       GVR
	Namespace string
	Name      string
}

func KeyForObject(gvr GVR, obj *Object) Key {
	return Key{GVR: gvr, Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

func (k Key) NamespacedName() NamespacedName {
	return NamespacedName{Namespace: k.Namespace, Name: k.Name}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.GVR.Resource, k.NamespacedName())
}

// PatchType enumerates the patch encodings the APIClient capability accepts.
type PatchType string

const (
	JSONPatch           PatchType = "application/json-patch+json"
	MergePatch          PatchType = "application/merge-patch+json"
	StrategicMergePatch PatchType = "application/strategic-merge-patch+json"
)

// EventKind enumerates the kinds a WatchEvent may carry (spec §3).
type EventKind string

const (
	Added    EventKind = "ADDED"
	Modified EventKind = "MODIFIED"
	Deleted  EventKind = "DELETED"
	Bookmark EventKind = "BOOKMARK"
	Error    EventKind = "ERROR"
)
