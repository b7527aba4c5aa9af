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
	"fmt"

	"golang.org/x/sync/singleflight"
)

// downloadGroup collapses concurrent downloads of the exact same
// (url, start, nblocks) tuple into one upstream GET. The first caller
// becomes the leader and performs the fetch; everyone else waits for
// its result and gets a private copy of the bytes.
type downloadGroup struct {
	sf singleflight.Group
}

func downloadKey(url string, start uint64, nBlocks int) string {
	return fmt.Sprintf("%d/%d/%s", start, nBlocks, url)
}

// Do runs fetch once for all concurrent callers of the same key.
// The returned slice is owned by the caller.
func (g *downloadGroup) Do(url string, start uint64, nBlocks int, fetch func() ([]byte, error)) ([]byte, error) {
	v, err, shared := g.sf.Do(downloadKey(url, start, nBlocks), func() (interface{}, error) {
		return fetch()
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	if shared {
		// Followers copy so that no two readers alias one buffer.
		data = Dup(data)
	}
	return data, nil
}
