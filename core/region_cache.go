// Copyright 2024 Gridscan
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

package core

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

type regionKey struct {
	url    string
	offset uint64
}

type regionItem struct {
	key     regionKey
	recency uint64
	data    []byte
}

func (r *regionItem) Less(than btree.Item) bool {
	return r.recency < than.(*regionItem).recency
}

// RegionCache is the fixed-chunk region store: an LRU of byte regions
// keyed by (url, chunk-aligned offset). Offsets are always multiples
// of the chunk size; only the final region of a file may be shorter
// than a full chunk.
type RegionCache struct {
	mu         sync.Mutex
	capacity   int
	chunkSize  int
	maxRecency uint64
	items      map[regionKey]*regionItem
	index      *btree.BTree
}

func NewRegionCache(capacity, chunkSize int) *RegionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &RegionCache{
		capacity:  capacity,
		chunkSize: chunkSize,
		items:     make(map[regionKey]*regionItem),
		index:     btree.New(32),
	}
}

func (c *RegionCache) ChunkSize() int {
	return c.chunkSize
}

func (c *RegionCache) Capacity() int {
	return c.capacity
}

// Get returns a copy of the region at the chunk-aligned offset, or nil
// when not cached.
func (c *RegionCache) Get(url string, offset uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.items[regionKey{url, offset}]
	if item == nil {
		return nil
	}
	c.touch(item)
	return Dup(item.data)
}

// Contains reports whether a region is cached, without copying its
// bytes or touching its recency.
func (c *RegionCache) Contains(url string, offset uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[regionKey{url, offset}] != nil
}

// Put inserts a region, evicting the least recently used entries when
// the cache is full. The data is copied.
func (c *RegionCache) Put(url string, offset uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := regionKey{url, offset}
	if item := c.items[key]; item != nil {
		item.data = Dup(data)
		c.touch(item)
		return
	}
	for len(c.items) >= c.capacity {
		oldest := c.index.Min()
		if oldest == nil {
			break
		}
		c.index.Delete(oldest)
		delete(c.items, oldest.(*regionItem).key)
	}
	c.maxRecency++
	item := &regionItem{key: key, recency: c.maxRecency, data: Dup(data)}
	c.items[key] = item
	c.index.ReplaceOrInsert(item)
}

// InvalidatePrefix removes every region whose URL starts with prefix.
func (c *RegionCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if strings.HasPrefix(key.url, prefix) {
			c.index.Delete(item)
			delete(c.items, key)
		}
	}
}

func (c *RegionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[regionKey]*regionItem)
	c.index = btree.New(32)
}

func (c *RegionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *RegionCache) touch(item *regionItem) {
	c.index.Delete(item)
	c.maxRecency++
	item.recency = c.maxRecency
	c.index.ReplaceOrInsert(item)
}
