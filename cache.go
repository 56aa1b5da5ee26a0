/*
Modifications Copyright 2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package amari

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
)

const DefaultCacheMaxBytes int64 = 250 * 1024 * 1024

type CacheConfig struct {
	// How long an entry is served after it was set. Zero means every entry
	// is expired as soon as it is stored.
	TTL time.Duration

	// Upper bound on the sum of the serialized sizes of all entries.
	MaxBytes int64
}

type cacheEntry struct {
	key       CacheKey
	payload   interface{}
	createdAt time.Time
	size      int64
}

// ResponseCache is an LRU cache bounded by entry age and by total
// serialized size. Safe for concurrent use.
type ResponseCache struct {
	conf CacheConfig

	mu    sync.Mutex
	cache map[CacheKey]*list.Element
	// Most recently used at the front.
	ll        *list.List
	totalSize int64
}

func NewResponseCache(conf CacheConfig) (*ResponseCache, error) {
	if conf.TTL < 0 {
		return nil, errors.Errorf("cache ttl must not be negative; got '%s'", conf.TTL)
	}
	if conf.MaxBytes <= 0 {
		return nil, errors.Errorf("cache max bytes must be positive; got '%d'", conf.MaxBytes)
	}

	return &ResponseCache{
		conf:  conf,
		cache: make(map[CacheKey]*list.Element),
		ll:    list.New(),
	}, nil
}

// Get returns the payload stored under key if it has not expired and marks
// it most recently used. Expired entries are removed.
func (c *ResponseCache) Get(key CacheKey) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, hit := c.cache[key]
	if !hit {
		cacheAccessMetric.WithLabelValues("miss").Inc()
		return nil, false
	}

	entry := ele.Value.(*cacheEntry)
	if c.expired(entry, clock.Now()) {
		c.removeElement(ele)
		cacheEvictionMetric.WithLabelValues("expired").Inc()
		cacheAccessMetric.WithLabelValues("miss").Inc()
		return nil, false
	}

	cacheAccessMetric.WithLabelValues("hit").Inc()
	c.ll.MoveToFront(ele)
	return entry.payload, true
}

// Set stores payload under key as the most recently used entry, replacing
// any previous value, then evicts least recently used entries until the
// size bound holds again. A payload larger than MaxBytes is evicted right
// away. Fails only if the payload cannot be serialized, leaving the cache
// untouched.
func (c *ResponseCache) Set(key CacheKey, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "while measuring cache payload for '%s'", key)
	}

	entry := &cacheEntry{
		key:     key,
		payload: payload,
		size:    int64(len(b)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry.createdAt = clock.Now()
	if ele, ok := c.cache[key]; ok {
		c.totalSize -= ele.Value.(*cacheEntry).size
		ele.Value = entry
		c.ll.MoveToFront(ele)
	} else {
		c.cache[key] = c.ll.PushFront(entry)
	}
	c.totalSize += entry.size

	for c.totalSize > c.conf.MaxBytes {
		c.removeOldest()
		cacheEvictionMetric.WithLabelValues("size").Inc()
	}
	return nil
}

// Remove removes the provided key from the cache.
func (c *ResponseCache) Remove(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, hit := c.cache[key]; hit {
		c.removeElement(ele)
	}
}

// Purge removes every expired entry and returns how many were removed.
func (c *ResponseCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := clock.Now()
	var removed int
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		if c.expired(ele.Value.(*cacheEntry), now) {
			c.removeElement(ele)
			removed++
		}
		ele = prev
	}
	cacheEvictionMetric.WithLabelValues("expired").Add(float64(removed))
	return removed
}

func (c *ResponseCache) expired(entry *cacheEntry, now time.Time) bool {
	return now.Sub(entry.createdAt) >= c.conf.TTL
}

func (c *ResponseCache) removeOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
	}
}

func (c *ResponseCache) removeElement(e *list.Element) {
	c.ll.Remove(e)
	entry := e.Value.(*cacheEntry)
	delete(c.cache, entry.key)
	c.totalSize -= entry.size
}

// Size returns the total serialized size in bytes of all stored entries.
func (c *ResponseCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *ResponseCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[CacheKey]*list.Element)
	c.ll.Init()
	c.totalSize = 0
	return nil
}
