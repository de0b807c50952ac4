// Copyright 2024 Lix Authors
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

// Package cache provides the in-memory caches owned by one engine.
//
// Design Principles:
// 1. Single owner - every cache belongs to one engine instance, never a package global
// 2. Rebuildable - each cache can be recomputed from persisted state
//
// Currently provides:
// - InheritanceCache: version parent and ancestor lists, kept current by descriptor events
// - StatementCache: LRU of compiled view statements
package cache

import "os"

// Disabled controls whether memoizing caches are bypassed.
// Set via LIX_CACHE=0 environment variable.
// When true:
// - StatementCache.Get() always misses
// - StatementCache.Add() is a no-op
//
// The inheritance cache is state, not memoization, and is never disabled.
var Disabled = os.Getenv("LIX_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
