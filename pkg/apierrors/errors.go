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

// Package apierrors classifies failures by error *kind*, not transport class,
// per spec §7. The reconciler runtime switches on RequeueError and
// PermanentError (via errors.As) to pick the event queue outcome; every other
// error, including TransientError and ConflictError, gets a rate-limited
// requeue.
package apierrors

import (
	"time"

	"github.com/pkg/errors"
)

// TransientError wraps an error that is expected to succeed on its own if
// retried without operator intervention (spec §7 kind 1).
type TransientError struct {
	err error
}

func NewTransientError(err error) TransientError { return TransientError{err: err} }
func (e TransientError) Error() string            { return e.err.Error() }
func (e TransientError) Unwrap() error             { return e.err }

// ConflictError wraps an HTTP 409 style optimistic-concurrency failure
// (spec §7 kind 3). Always retryable.
type ConflictError struct {
	err error
}

func NewConflictError(err error) ConflictError { return ConflictError{err: err} }
func (e ConflictError) Error() string           { return e.err.Error() }
func (e ConflictError) Unwrap() error            { return e.err }

// PermanentError wraps a validation or permission failure (spec §7 kind 4).
// The event queue forgets the key after a permanent error unless the user
// explicitly requeues.
type PermanentError struct {
	err error
}

func NewPermanentError(err error) PermanentError { return PermanentError{err: err} }
func (e PermanentError) Error() string            { return e.err.Error() }
func (e PermanentError) Unwrap() error             { return e.err }

// RequeueError is the typed replacement for the source's exception-based
// requeue request (spec §9 redesign note). A nil After defers to the queue's
// default rate-limited backoff; a non-nil After is honored verbatim and does
// not advance the failure-attempt counter (spec §7 kind 5).
type RequeueError struct {
	err   error
	after *time.Duration
}

func NewRequeueError(err error, after *time.Duration) RequeueError {
	return RequeueError{err: err, after: after}
}

func (e RequeueError) Error() string {
	if e.err == nil {
		return "requeue requested"
	}
	return e.err.Error()
}

func (e RequeueError) Unwrap() error { return e.err }

func (e RequeueError) After() *time.Duration { return e.after }

// Wrap and Wrapf mirror github.com/pkg/errors, re-exported so callers need not
// import both packages for the common case.
var (
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
	New   = errors.New
)
