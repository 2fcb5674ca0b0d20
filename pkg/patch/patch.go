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

// Package patch implements PatchBuilder (spec §4.I): given two decoded object
// trees, it produces a minimal, deterministically ordered RFC 6902 JSON-patch
// document. Traversal is depth-first over the new tree in canonical
// (alphabetical/camelCase) member order; additions and replacements are
// emitted as they are encountered, deletions are collected separately and
// appended last, matching spec §8 scenario 5.
package patch

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Operation is one RFC 6902 patch step.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is a JSON-patch document. A nil/empty Patch marshals to "[]", never
// to "null" or an omitted field (spec §4.I, "empty patch is ... an empty
// array, not omitted").
type Patch []Operation

func (p Patch) MarshalJSON() ([]byte, error) {
	ops := []Operation(p)
	if ops == nil {
		ops = []Operation{}
	}
	type alias Operation
	out := make([]alias, len(ops))
	for i, op := range ops {
		out[i] = alias(op)
	}
	return json.Marshal(out)
}

// Build diffs old against new (each a JSON-decoded tree: map[string]any,
// []any, or a scalar) and returns the patch that transforms old into new.
func Build(old, new any) Patch {
	var adds []Operation
	var removes []Operation
	diff("", old, new, &adds, &removes)
	// deletions appear last, in the order encountered.
	return append(adds, removes...)
}

func diff(path string, oldVal, newVal any, adds, removes *[]Operation) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)

	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, adds, removes)
		return
	}

	if reflect.DeepEqual(oldVal, newVal) {
		return
	}

	if oldVal == nil {
		*adds = append(*adds, Operation{Op: "add", Path: path, Value: newVal})
		return
	}
	*adds = append(*adds, Operation{Op: "replace", Path: path, Value: newVal})
}

func diffMaps(path string, oldMap, newMap map[string]any, adds, removes *[]Operation) {
	keys := make([]string, 0, len(newMap))
	for k := range newMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := path + "/" + escapePointerToken(k)
		oldChild, existed := oldMap[k]
		if !existed {
			*adds = append(*adds, Operation{Op: "add", Path: childPath, Value: newMap[k]})
			continue
		}
		diff(childPath, oldChild, newMap[k], adds, removes)
	}

	removedKeys := make([]string, 0)
	for k := range oldMap {
		if _, stillPresent := newMap[k]; !stillPresent {
			removedKeys = append(removedKeys, k)
		}
	}
	sort.Strings(removedKeys)
	for _, k := range removedKeys {
		*removes = append(*removes, Operation{Op: "remove", Path: path + "/" + escapePointerToken(k)})
	}
}

// escapePointerToken escapes a JSON-pointer reference token per RFC 6901.
func escapePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")
	return token
}

// Decode unmarshals raw JSON into the map/slice/scalar tree representation
// Build expects.
func Decode(raw []byte) (any, error) {
	var v any
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
