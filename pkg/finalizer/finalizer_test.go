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

package finalizer_test

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	apiclient "github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/finalizer"
	"github.com/nforgeio/operator-sdk-sub002/pkg/types"
)

// fakeClient records every Patch call and applies "metadata.finalizers"
// mutations to a single in-memory object, enough to exercise Manager without
// a live API server.
type fakeClient struct {
	apiclient.Interface

	mutex      sync.Mutex
	finalizers []string
	patches    int
	failNext   error
}

func (f *fakeClient) Patch(ctx context.Context, gvr types.GVR, namespace, name string, patchType types.PatchType, body []byte) (types.Object, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return types.Object{}, err
	}
	f.patches++

	switch patchType {
	case types.StrategicMergePatch:
		var payload struct {
			Metadata struct {
				Finalizers []string `json:"finalizers"`
			} `json:"metadata"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return types.Object{}, err
		}
		f.finalizers = payload.Metadata.Finalizers
	case types.JSONPatch:
		var ops []struct {
			Value []string `json:"value"`
		}
		if err := json.Unmarshal(body, &ops); err != nil {
			return types.Object{}, err
		}
		f.finalizers = ops[0].Value
	}

	obj := types.Object{Object: map[string]any{}}
	obj.SetFinalizers(f.finalizers)
	return obj, nil
}

var _ = Describe("Manager", func() {
	var (
		fc  *fakeClient
		mgr *finalizer.Manager
		obj *types.Object
	)

	BeforeEach(func() {
		fc = &fakeClient{}
		mgr = finalizer.NewManager(fc)
		obj = &types.Object{Object: map[string]any{}}
		obj.SetName("my-object")
		obj.SetNamespace("ns")
	})

	Describe("Register", func() {
		It("rejects a malformed identifier", func() {
			err := mgr.Register(finalizer.Finalizer{Identifier: "not-canonical"})
			Expect(err).To(HaveOccurred())
		})

		It("rejects an identifier longer than 63 characters", func() {
			id := finalizer.IdentifierFor("example.com", "a-really-extremely-overly-verbose-controller-name-that-is-too-long")
			err := mgr.Register(finalizer.Finalizer{Identifier: id})
			Expect(err).To(HaveOccurred())
		})

		It("rejects a duplicate identifier", func() {
			f := finalizer.Finalizer{Identifier: "example.com/cleanup", AutoRegister: true}
			Expect(mgr.Register(f)).To(Succeed())
			Expect(mgr.Register(f)).To(HaveOccurred())
		})
	})

	Describe("EnsureOrDrain on a live object", func() {
		It("patches in missing auto-register finalizers", func() {
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier:   "example.com/cleanup",
				AutoRegister: true,
			})).To(Succeed())

			result, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Patched).To(BeTrue())
			Expect(fc.finalizers).To(ContainElement("example.com/cleanup"))
		})

		It("does nothing when every auto-register finalizer is already present", func() {
			obj.SetFinalizers([]string{"example.com/cleanup"})
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier:   "example.com/cleanup",
				AutoRegister: true,
			})).To(Succeed())

			result, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Patched).To(BeFalse())
			Expect(fc.patches).To(Equal(0))
		})

		It("never touches a finalizer that was not registered", func() {
			obj.SetFinalizers([]string{"other.example.com/manual"})
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier:   "example.com/cleanup",
				AutoRegister: true,
			})).To(Succeed())

			_, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).NotTo(HaveOccurred())
			Expect(fc.finalizers).To(ContainElements("other.example.com/manual", "example.com/cleanup"))
		})
	})

	Describe("EnsureOrDrain on an object pending deletion", func() {
		BeforeEach(func() {
			now := metav1.Now()
			obj.SetDeletionTimestamp(&now)
		})

		It("drains registered finalizers in order and reports Deletable once empty", func() {
			var order []string
			obj.SetFinalizers([]string{"example.com/first", "example.com/second"})

			Expect(mgr.Register(finalizer.Finalizer{
				Identifier: "example.com/first",
				Handler: func(ctx context.Context, gvr types.GVR, o *types.Object) error {
					order = append(order, "first")
					return nil
				},
			})).To(Succeed())
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier: "example.com/second",
				Handler: func(ctx context.Context, gvr types.GVR, o *types.Object) error {
					order = append(order, "second")
					return nil
				},
			})).To(Succeed())

			result, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Deletable).To(BeTrue())
			Expect(order).To(Equal([]string{"first", "second"}))
			Expect(fc.finalizers).To(BeEmpty())
		})

		It("leaves the finalizer in place and reports an error when its handler fails", func() {
			obj.SetFinalizers([]string{"example.com/first"})
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier: "example.com/first",
				Handler: func(ctx context.Context, gvr types.GVR, o *types.Object) error {
					return errors.New("boom")
				},
			})).To(Succeed())

			result, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).To(HaveOccurred())
			Expect(result.Deletable).To(BeFalse())
		})

		It("reports not-yet-deletable while an unregistered finalizer remains", func() {
			obj.SetFinalizers([]string{"example.com/first", "other.example.com/external"})
			Expect(mgr.Register(finalizer.Finalizer{
				Identifier: "example.com/first",
				Handler: func(ctx context.Context, gvr types.GVR, o *types.Object) error {
					return nil
				},
			})).To(Succeed())

			result, err := mgr.EnsureOrDrain(context.Background(), types.GVR{}, obj)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Deletable).To(BeFalse())
			Expect(fc.finalizers).To(ContainElement("other.example.com/external"))
		})
	})
})

var _ = Describe("IdentifierFor", func() {
	It("derives a canonical kebab-case name from a controller name", func() {
		Expect(finalizer.IdentifierFor("example.com", "MyController")).To(Equal("example.com/my-controller"))
	})
})
