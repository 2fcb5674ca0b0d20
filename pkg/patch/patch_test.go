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

package patch_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nforgeio/operator-sdk-sub002/pkg/patch"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	v, err := patch.Decode([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestBuild_AddsReplacesAndRemovesInOrder(t *testing.T) {
	old := decode(t, `{"metadata":{"name":"a"},"spec":{"replicas":1,"zzz":"drop-me"},"status":{"phase":"Pending"}}`)
	updated := decode(t, `{"metadata":{"name":"a"},"spec":{"replicas":3},"status":{"phase":"Pending"},"added":"value"}`)

	got := patch.Build(old, updated)

	want := patch.Patch{
		{Op: "add", Path: "/added", Value: "value"},
		{Op: "replace", Path: "/spec/replicas", Value: float64(3)},
		{Op: "remove", Path: "/spec/zzz"},
	}
	assert.Equal(t, want, got)
}

func TestBuild_NoChangesProducesEmptyPatch(t *testing.T) {
	obj := decode(t, `{"a":1,"b":{"c":2}}`)
	got := patch.Build(obj, obj)
	assert.Empty(t, got)
}

func TestBuild_EscapesPointerTokens(t *testing.T) {
	old := decode(t, `{}`)
	updated := decode(t, `{"a/b":{"c~d":1}}`)
	got := patch.Build(old, updated)
	require.Len(t, got, 1)
	assert.Equal(t, "/a~1b", got[0].Path)
}

func TestPatch_MarshalJSON_EmptyPatchIsEmptyArrayNotNull(t *testing.T) {
	var p patch.Patch
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestPatch_MarshalJSON_OmitsEmptyValue(t *testing.T) {
	p := patch.Patch{{Op: "remove", Path: "/foo"}}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"op":"remove","path":"/foo"}]`, string(raw))
}

func TestDecode_EmptyInputIsNil(t *testing.T) {
	v, err := patch.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}
