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

// Package cache implements ResourceCache (spec §4.A): the last-seen copy of
// every watched object that the reconciler runtime consults for "previous
// state" semantics. Finding a key's entry takes no lock (sync.Map), but
// reading the entry takes the same per-key mutex that writes hold, so reads
// are not lock-free. Writes are serialized per key and reject stale
// resourceVersions silently, keeping the cache monotonic (spec §8,
// "monotonic cache" invariant).
//
// Entries are indexed by types.Key (GVR + namespace/name) rather than bare
// UID: this is the same indexing client-go's own SharedIndexInformer store
// uses (cache.MetaNamespaceKeyFunc), and it is what lets the Reconciler
// runtime look an object up directly from the (namespace,name) queue key it
// dequeues (spec §4.E step 1) without maintaining a second index. The UID is
// still recorded on every entry and used to detect a delete-then-recreate
// under the same name, which discards the previous version kept for Snapshot.
package cache

import (
	"sync"

	apitypes "k8s.io/apimachinery/pkg/types"

	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// CachedObject is the last fully materialized copy of an object, along with a
// monotonic local sequence number that lets callers detect a delete+recreate
// even when the new object's resourceVersion happens to sort lower than the
// collection-wide counter the old object last held.
type CachedObject struct {
	Object          types.Object
	UID             apitypes.UID
	ResourceVersion string
	Sequence        uint64
}

type entry struct {
	mutex    sync.Mutex
	current  CachedObject
	previous *CachedObject
	set      bool
}

// Cache maps a types.Key to its CachedObject. The zero value is not usable;
// use New.
type Cache struct {
	entries sync.Map // types.Key -> *entry
	seq     uint64
	seqMu   sync.Mutex
}

func New() *Cache {
	return &Cache{}
}

func (c *Cache) loadEntry(key types.Key) *entry {
	v, _ := c.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

func (c *Cache) nextSequence() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Upsert stores obj under key if its resourceVersion is newer than (or equal
// to, for idempotent re-delivery of the same version) what is cached, and
// reports whether the store took effect. An older resourceVersion is
// rejected silently, never erroring the caller (spec §4.A). The version it
// replaces becomes available via Snapshot for "old vs new" reconcile
// semantics; a delete+recreate under the same name starts a fresh lineage
// with no previous version, since the old and new objects share nothing but
// their name.
func (c *Cache) Upsert(key types.Key, obj *types.Object) bool {
	e := c.loadEntry(key)
	e.mutex.Lock()
	defer e.mutex.Unlock()

	newRV := obj.GetResourceVersion()
	recreated := e.set && e.current.UID != "" && obj.GetUID() != "" && e.current.UID != obj.GetUID()
	if e.set && !recreated && !rvIsNewerOrEqual(newRV, e.current.ResourceVersion) {
		return false
	}

	if recreated {
		e.previous = nil
	} else if e.set {
		prev := e.current
		e.previous = &prev
	}

	e.current = CachedObject{
		Object:          *obj.DeepCopy(),
		UID:             obj.GetUID(),
		ResourceVersion: newRV,
		Sequence:        c.nextSequence(),
	}
	e.set = true
	return true
}

// Get returns the current cached object for key, if any.
func (c *Cache) Get(key types.Key) (CachedObject, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return CachedObject{}, false
	}
	e := v.(*entry)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if !e.set {
		return CachedObject{}, false
	}
	return e.current, true
}

// Snapshot returns both the previous and current cached version for key, so
// a reconciler can diff "what changed" (spec §4.A). Both are nil if key has
// never been observed; previous is nil if current is the first version ever
// seen for this lineage (no prior Upsert, or the most recent Upsert was a
// delete+recreate).
func (c *Cache) Snapshot(key types.Key) (previous, current *CachedObject) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, nil
	}
	e := v.(*entry)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if !e.set {
		return nil, nil
	}
	cur := e.current
	if e.previous == nil {
		return nil, &cur
	}
	prev := *e.previous
	return &prev, &cur
}

// Remove drops the cached entry for key. Called once a Deleted event has
// been fully processed and any finalizers drained (spec §3, CachedObject
// lifecycle).
func (c *Cache) Remove(key types.Key) {
	c.entries.Delete(key)
}

// rvIsNewerOrEqual compares two opaque resourceVersion strings. Kubernetes
// resourceVersions are opaque but, in every real implementation, numerically
// monotonic; we compare numerically when possible and fall back to treating
// any change as "newer" (never reject on an unparsable version, since the
// invariant to protect is "older is rejected", not "equal is required").
func rvIsNewerOrEqual(newRV, oldRV string) bool {
	if newRV == oldRV {
		return true
	}
	newN, newOK := parseUint(newRV)
	oldN, oldOK := parseUint(oldRV)
	if newOK && oldOK {
		return newN >= oldN
	}
	return true
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + uint64(r-'0')
	}
	return n, true
}
