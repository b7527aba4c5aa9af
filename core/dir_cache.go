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

// DirList is a cached directory listing. An empty directory is
// represented by a single "." entry so that "listed, empty" can be
// told apart from "never listed".
type DirList struct {
	Entries     []string
	GotFullList bool

	authGeneration uint32
}

type dirItem struct {
	url     string
	recency uint64
	list    DirList
}

func (d *dirItem) Less(than btree.Item) bool {
	return d.recency < than.(*dirItem).recency
}

// DirCache is the directory-listing store, bounded both by the number
// of cached directories and by the aggregate entry count across all of
// them. Entries are stamped with the auth generation like negative
// FileProp entries.
type DirCache struct {
	mu           sync.Mutex
	capacity     int
	entryLimit   int
	totalEntries int
	maxRecency   uint64
	items        map[string]*dirItem
	index        *btree.BTree

	props *FilePropCache
}

func NewDirCache(capacity, entryLimit int, props *FilePropCache) *DirCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DirCache{
		capacity:   capacity,
		entryLimit: entryLimit,
		items:      make(map[string]*dirItem),
		index:      btree.New(32),
		props:      props,
	}
}

func (c *DirCache) Get(dirURL string) (DirList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.items[dirURL]
	if item == nil {
		return DirList{}, false
	}
	if item.list.authGeneration != c.props.AuthGeneration() {
		c.removeLocked(item)
		return DirList{}, false
	}
	c.touch(item)
	return item.list, true
}

func (c *DirCache) Put(dirURL string, list DirList) {
	list.authGeneration = c.props.AuthGeneration()
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.items[dirURL]; item != nil {
		c.totalEntries -= len(item.list.Entries)
		item.list = list
		c.totalEntries += len(list.Entries)
		c.touch(item)
	} else {
		c.maxRecency++
		item = &dirItem{url: dirURL, recency: c.maxRecency, list: list}
		c.items[dirURL] = item
		c.index.ReplaceOrInsert(item)
		c.totalEntries += len(list.Entries)
	}
	for len(c.items) > c.capacity || c.totalEntries > c.entryLimit {
		oldest := c.index.Min()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.(*dirItem))
	}
}

func (c *DirCache) Invalidate(dirURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.items[dirURL]; item != nil {
		c.removeLocked(item)
	}
}

func (c *DirCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, item := range c.items {
		if strings.HasPrefix(url, prefix) {
			c.removeLocked(item)
		}
	}
}

func (c *DirCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*dirItem)
	c.index = btree.New(32)
	c.totalEntries = 0
}

func (c *DirCache) TotalEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalEntries
}

func (c *DirCache) removeLocked(item *dirItem) {
	c.index.Delete(item)
	delete(c.items, item.url)
	c.totalEntries -= len(item.list.Entries)
}

func (c *DirCache) touch(item *dirItem) {
	c.index.Delete(item)
	c.maxRecency++
	item.recency = c.maxRecency
	c.index.ReplaceOrInsert(item)
}
