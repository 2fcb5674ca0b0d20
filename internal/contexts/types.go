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

// Package contexts defines the unexported context-value keys shared across
// pipeline packages, so every package stores and reads the same values without
// creating an import cycle back to a common "types" package.
package contexts

type controllerNameKey struct{}
type attemptKey struct{}

var (
	ControllerNameKey = controllerNameKey{}
	AttemptKey        = attemptKey{}
)
