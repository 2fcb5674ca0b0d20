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

// Package finalizer implements FinalizerManager (spec §4.D): it ensures
// registered finalizer identifiers are present on live objects, and drains
// them in registration order before a deletion completes.
package finalizer

import (
	"context"
	"fmt"
	"regexp"

	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
	"github.com/sap/go-generics/slices"

	"github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

const maxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*/[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// HandlerFunc runs a finalizer's cleanup logic. It must be idempotent: it may
// be invoked more than once for the same object if a prior attempt failed.
type HandlerFunc func(ctx context.Context, gvr types.GVR, obj *types.Object) error

// Finalizer is one registered finalizer (spec §3, Finalizer entity).
type Finalizer struct {
	// Identifier is the canonical "<group>/<finalizer-name>" token, at most
	// 63 characters (spec §4.D).
	Identifier string
	Handler    HandlerFunc
	// AutoRegister, if true, means Manager.EnsureOrDrain will add this
	// identifier automatically; manual finalizers are expected to already be
	// present by the time the object reaches this manager (e.g. added by a
	// mutating webhook).
	AutoRegister bool
}

// Manager registers finalizers and drives their lifecycle against a single
// APIClient-backed object.
type Manager struct {
	apiClient  client.Interface
	finalizers []Finalizer
}

func NewManager(apiClient client.Interface) *Manager {
	return &Manager{apiClient: apiClient}
}

// IdentifierFor derives a canonical "<group>/<kebab-case-name>" finalizer
// identifier from a free-form controller name, so callers don't hand-roll
// the casing convention the identifierPattern regex requires.
func IdentifierFor(group, controllerName string) string {
	return group + "/" + strcase.ToKebab(controllerName)
}

// Register adds finalizer to the ordered registration list. Returns an error
// if identifier is malformed or exceeds 63 characters (spec §4.D; the exact
// behavior for a finalizer migrated from another operator with a too-long
// identifier is an open question in spec.md §9 — this implementation rejects
// at registration time rather than guessing truncate-vs-proceed semantics for
// objects already on the cluster).
func (m *Manager) Register(f Finalizer) error {
	if len(f.Identifier) == 0 || len(f.Identifier) > maxIdentifierLength {
		return errors.Errorf("finalizer identifier %q must be 1-%d characters", f.Identifier, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(f.Identifier) {
		return errors.Errorf("finalizer identifier %q is not of the canonical form <group>/<name>", f.Identifier)
	}
	for _, existing := range m.finalizers {
		if existing.Identifier == f.Identifier {
			return errors.Errorf("finalizer %q already registered", f.Identifier)
		}
	}
	m.finalizers = append(m.finalizers, f)
	return nil
}

// Result reports what EnsureOrDrain did.
type Result struct {
	// Patched is true if EnsureOrDrain issued a patch adding missing
	// finalizers; the caller should return without invoking the user
	// reconcile function, since the ensuing watch event will redeliver
	// (spec §4.D).
	Patched bool
	// Deletable is true once the object has no finalizers left at all: every
	// registered finalizer's handler has succeeded and its identifier has
	// been removed, and no unregistered finalizer remains either.
	Deletable bool
}

// EnsureOrDrain is the single entry point the reconciler runtime calls at the
// top of every reconcile (spec §4.D): if obj has no deletionTimestamp, it
// ensures auto-register finalizers are present; otherwise it drains
// registered finalizers in order.
func (m *Manager) EnsureOrDrain(ctx context.Context, gvr types.GVR, obj *types.Object) (Result, error) {
	if obj.GetDeletionTimestamp().IsZero() {
		return m.ensurePresent(ctx, gvr, obj)
	}
	return m.drain(ctx, gvr, obj)
}

func (m *Manager) ensurePresent(ctx context.Context, gvr types.GVR, obj *types.Object) (Result, error) {
	existing := obj.GetFinalizers()
	var missing []string
	for _, f := range m.finalizers {
		if !f.AutoRegister {
			continue
		}
		if !slices.Contains(existing, f.Identifier) {
			missing = append(missing, f.Identifier)
		}
	}
	if len(missing) == 0 {
		return Result{}, nil
	}

	merged := append(append([]string{}, existing...), missing...)
	patch := fmt.Sprintf(`{"metadata":{"finalizers":%s}}`, marshalStrings(merged))
	if _, err := m.apiClient.Patch(ctx, gvr, obj.GetNamespace(), obj.GetName(), types.StrategicMergePatch, []byte(patch)); err != nil {
		return Result{}, errors.Wrap(err, "failed adding finalizers")
	}
	return Result{Patched: true}, nil
}

func (m *Manager) drain(ctx context.Context, gvr types.GVR, obj *types.Object) (Result, error) {
	present := obj.GetFinalizers()
	var failures []error
	for _, f := range m.finalizers {
		if !slices.Contains(present, f.Identifier) {
			continue
		}
		if err := f.Handler(ctx, gvr, obj); err != nil {
			failures = append(failures, errors.Wrapf(err, "finalizer %q failed", f.Identifier))
			continue
		}
		remaining := slices.Remove(present, f.Identifier)
		patch := fmt.Sprintf(`[{"op":"replace","path":"/metadata/finalizers","value":%s}]`, marshalStrings(remaining))
		if _, err := m.apiClient.Patch(ctx, gvr, obj.GetNamespace(), obj.GetName(), types.JSONPatch, []byte(patch)); err != nil {
			failures = append(failures, errors.Wrapf(err, "failed removing finalizer %q", f.Identifier))
			continue
		}
		present = remaining
		obj.SetFinalizers(remaining)
	}

	if len(failures) > 0 {
		return Result{}, joinErrors(failures)
	}
	return Result{Deletable: len(present) == 0}, nil
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	out := "["
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]"
}

func joinErrors(errs []error) error {
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return errors.New(msg)
}
