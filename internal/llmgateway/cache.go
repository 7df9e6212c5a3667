// Copyright 2025 Kadir Pekel
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

package llmgateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

// cacheEntry stores one cached generation result.
type cacheEntry struct {
	result    *ProviderResult
	expiresAt time.Time
}

// responseCache is an in-memory, TTL-expiring cache keyed by call
// fingerprint. Grounded on pkg/ratelimit/store_memory.go's
// map+RWMutex+expiry-on-read idiom, narrowed from a usage counter to a
// single cached value per key.
type responseCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	ttl  time.Duration
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{data: make(map[string]cacheEntry), ttl: ttl}
}

func (c *responseCache) get(key string) (*ProviderResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.result, true
}

func (c *responseCache) put(key string, result *ProviderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{result: result, expiresAt: time.Now().Add(c.ttl)}
}

// fingerprint computes the cache key: model_ref, system, user, history
// hash, options (spec §4.3: "Caches by fingerprint").
func fingerprint(ref domain.ModelRef, req ProviderRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%.4f|%d", ref.ModelID, ref.ServerID, req.System, req.User, req.Temperature, req.MaxTokens)
	for _, m := range req.History {
		fmt.Fprintf(h, "|%s:%s", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
