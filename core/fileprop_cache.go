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

type Existence int

const (
	ExistUnknown Existence = iota
	ExistYes
	ExistNo
)

// FileProp is the cached metadata of one URL. It is a plain value and
// is copied in and out of the cache.
type FileProp struct {
	Exists           Existence
	IsDirectory      bool
	IsAzFolderMarker bool
	FileSize         uint64
	SizeKnown        bool
	Mode             uint16
	MTime            int64
	ETag             string
	LastHttpStatus   int

	// Signed redirect URL and the local wall-clock second past which
	// it must no longer be used.
	RedirectURL            string
	RedirectExpiresAtLocal int64

	authGeneration uint32
}

type propItem struct {
	url     string
	recency uint64
	prop    FileProp
}

func (p *propItem) Less(than btree.Item) bool {
	return p.recency < than.(*propItem).recency
}

// FilePropCache is the file-property store. Negative entries
// (Exists == ExistNo) are stamped with the auth generation current at
// insertion time; once the generation moves on they are treated as
// misses, so a credential change retries formerly forbidden URLs
// without flushing everything else.
type FilePropCache struct {
	mu         sync.Mutex
	capacity   int
	maxRecency uint64
	items      map[string]*propItem
	index      *btree.BTree

	authGeneration uint32
}

func NewFilePropCache(capacity int) *FilePropCache {
	if capacity < 1 {
		capacity = 1
	}
	return &FilePropCache{
		capacity: capacity,
		items:    make(map[string]*propItem),
		index:    btree.New(32),
	}
}

func (c *FilePropCache) Get(url string) (FileProp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.items[url]
	if item == nil {
		return FileProp{}, false
	}
	if item.prop.Exists == ExistNo && item.prop.authGeneration != c.authGeneration {
		// Credentials changed since this negative entry was cached.
		c.index.Delete(item)
		delete(c.items, url)
		return FileProp{}, false
	}
	c.touch(item)
	return item.prop, true
}

func (c *FilePropCache) Put(url string, prop FileProp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prop.authGeneration = c.authGeneration
	if item := c.items[url]; item != nil {
		item.prop = prop
		c.touch(item)
		return
	}
	for len(c.items) >= c.capacity {
		oldest := c.index.Min()
		if oldest == nil {
			break
		}
		c.index.Delete(oldest)
		delete(c.items, oldest.(*propItem).url)
	}
	c.maxRecency++
	item := &propItem{url: url, recency: c.maxRecency, prop: prop}
	c.items[url] = item
	c.index.ReplaceOrInsert(item)
}

func (c *FilePropCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, item := range c.items {
		if strings.HasPrefix(url, prefix) {
			c.index.Delete(item)
			delete(c.items, url)
		}
	}
}

func (c *FilePropCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*propItem)
	c.index = btree.New(32)
}

// BumpAuthGeneration is the "auth parameters changed" signal from the
// authentication collaborator.
func (c *FilePropCache) BumpAuthGeneration() {
	c.mu.Lock()
	c.authGeneration++
	c.mu.Unlock()
}

func (c *FilePropCache) AuthGeneration() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authGeneration
}

func (c *FilePropCache) touch(item *propItem) {
	c.index.Delete(item)
	c.maxRecency++
	item.recency = c.maxRecency
	c.index.ReplaceOrInsert(item)
}
