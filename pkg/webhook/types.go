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

// Package webhook implements WebhookServer (spec §4.G): an HTTPS endpoint
// (plain HTTP when no certificate and key files are configured) dispatching AdmissionReview v1 requests to registered validating and
// mutating handlers by (group, version, resource, operation, scope), and
// synthesizing JSON-patch documents for mutations via pkg/patch.
package webhook

import (
	"encoding/json"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// Operation mirrors admissionv1.Operation (spec §3, AdmissionReview entity).
type Operation string

const (
	Create  Operation = "CREATE"
	Update  Operation = "UPDATE"
	Delete  Operation = "DELETE"
	Connect Operation = "CONNECT"
)

// Scope constrains a rule to namespaced objects, cluster objects, or both.
type Scope string

const (
	Namespaced Scope = "Namespaced"
	Cluster    Scope = "Cluster"
	AnyScope   Scope = "*"
)

// FailurePolicy controls what the API server does if the webhook itself
// errors (spec §4.G).
type FailurePolicy string

const (
	Ignore FailurePolicy = "Ignore"
	Fail   FailurePolicy = "Fail"
)

// Rule is one routing tuple a registration declares (spec §4.G).
type Rule struct {
	APIGroups   []string
	APIVersions []string
	Resources   []string
	Operations  []Operation
	Scope       Scope
}

func (r Rule) matches(gvr types.GVR, op Operation, scope Scope) bool {
	return matchesAny(r.APIGroups, gvr.Group) &&
		matchesAny(r.APIVersions, gvr.Version) &&
		matchesAny(r.Resources, gvr.Resource) &&
		matchesOp(r.Operations, op) &&
		(r.Scope == AnyScope || scope == AnyScope || r.Scope == scope)
}

func matchesAny(values []string, v string) bool {
	for _, c := range values {
		if c == "*" || c == v {
			return true
		}
	}
	return false
}

func matchesOp(ops []Operation, op Operation) bool {
	for _, c := range ops {
		if c == "*" || c == op {
			return true
		}
	}
	return false
}

// AdmissionRequest is the decoded request half of an AdmissionReview (spec §3).
type AdmissionRequest struct {
	RequestUID string
	GVR        types.GVR
	Name       string
	Namespace  string
	Operation  Operation
	DryRun     bool
	Object     types.Object
	OldObject  *types.Object
}

// AdmissionResponse is the response half, prior to envelope wrapping.
type AdmissionResponse struct {
	Allowed   bool
	Message   string
	Patch     []byte // already-serialized JSON patch, or nil for "no changes"
	PatchType string
	Warnings  []string
}

// ValidatingHandler inspects a request and decides whether it is allowed.
type ValidatingHandler func(req AdmissionRequest) (allowed bool, message string)

// MutatingHandler returns the object as it should be persisted; the server
// diffs it against req.Object to synthesize the patch. Returning a deep-equal
// object (or the panic-free zero-change case) yields a patch-less response.
type MutatingHandler func(req AdmissionRequest) (mutated types.Object, allowed bool, message string)

// wire envelope shapes, matching admission.k8s.io/v1 exactly (spec §6).

type admissionReviewEnvelope struct {
	APIVersion string              `json:"apiVersion"`
	Kind       string              `json:"kind"`
	Request    *wireRequest        `json:"request,omitempty"`
	Response   *wireResponse       `json:"response,omitempty"`
}

type wireRequest struct {
	UID       string          `json:"uid"`
	Kind      metav1.GroupVersionKind `json:"kind"`
	Resource  metav1.GroupVersionResource `json:"resource"`
	Name      string          `json:"name"`
	Namespace string          `json:"namespace,omitempty"`
	Operation string          `json:"operation"`
	DryRun    *bool           `json:"dryRun,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
	OldObject json.RawMessage `json:"oldObject,omitempty"`
}

type wireResponse struct {
	UID      string          `json:"uid"`
	Allowed  bool            `json:"allowed"`
	Status   *wireStatus     `json:"status,omitempty"`
	Patch    []byte          `json:"patch,omitempty"`
	PatchType *string        `json:"patchType,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

type wireStatus struct {
	Code    int32  `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
