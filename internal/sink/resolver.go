// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package sink

import "os"

// EnvResolver resolves against the live process environment.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(name string) string { return os.Getenv(name) }

// MapResolver resolves against a fixed map, for tests (spec.md §9:
// "inject capability so tests can substitute").
type MapResolver map[string]string

// Resolve implements Resolver.
func (m MapResolver) Resolve(name string) string { return m[name] }
