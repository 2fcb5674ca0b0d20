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

// Package events wraps a client-go event recorder with short-window
// deduplication, so a reconciler stuck retrying the same failure does not
// flood the API server's Event stream.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

const dedupeWindow = 5 * time.Minute

// DeduplicatingRecorder drops an Event call if its (type, reason, message)
// matches the most recent event recorded for the same object UID within
// dedupeWindow. Only that latest event is remembered per object, so an
// earlier, different event repeated after it is recorded again.
type DeduplicatingRecorder struct {
	recorder record.EventRecorder
	mutex    sync.Mutex
	seen     map[string]seenEvent
}

type seenEvent struct {
	digest    string
	timestamp time.Time
}

func NewDeduplicatingRecorder(recorder record.EventRecorder) *DeduplicatingRecorder {
	return &DeduplicatingRecorder{
		recorder: recorder,
		seen:     make(map[string]seenEvent),
	}
}

func (r *DeduplicatingRecorder) Event(object runtime.Object, objectUID, eventType, reason, message string) {
	if r.isDuplicate(objectUID, eventType, reason, message) {
		return
	}
	r.recorder.Event(object, eventType, reason, message)
}

func (r *DeduplicatingRecorder) Eventf(object runtime.Object, objectUID, eventType, reason, messageFmt string, args ...any) {
	message := fmt.Sprintf(messageFmt, args...)
	if r.isDuplicate(objectUID, eventType, reason, message) {
		return
	}
	r.recorder.Event(object, eventType, reason, message)
}

func (r *DeduplicatingRecorder) isDuplicate(objectUID, eventType, reason, message string) bool {
	digest := calculateDigest(eventType, reason, message)
	now := time.Now()
	expiry := now.Add(-dedupeWindow)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	for uid, ev := range r.seen {
		if ev.timestamp.Before(expiry) {
			delete(r.seen, uid)
		}
	}
	if r.seen[objectUID].digest == digest {
		return true
	}
	r.seen[objectUID] = seenEvent{digest: digest, timestamp: now}
	return false
}

func calculateDigest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
