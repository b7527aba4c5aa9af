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
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gridscan/vsicurl/core/cfg"
)

var log = cfg.GetLogger("vsicurl")

// In case of consecutive small reads the requested window doubles up
// to this many chunks per request.
const maxChunkIncreaseFactor = 128

const noLastDownload = ^uint64(0)

// FileHandle is one open file over the remote range cache. Read and
// Seek drive a sequential cursor with readahead; PRead is stateless
// and safe for concurrent use on the same handle.
type FileHandle struct {
	fs       *FileSystem
	url      string
	filename string
	opts     *handleOptions
	retry    *RetryPolicy

	mu                   sync.Mutex
	offset               uint64
	eof                  bool
	hasError             bool
	blocksToDownload     int
	lastDownloadedOffset uint64

	// noCache is set when a response carried Cache-Control: no-cache
	// (and honoring it is enabled) or the filename matched the
	// non-cached list.
	noCache atomic.Bool

	interrupted     atomic.Bool
	interruptCtx    context.Context
	interruptCancel context.CancelFunc

	adviseMu     sync.Mutex
	adviseRanges []*adviseRange
	adviseWg     sync.WaitGroup
	adviseClient *http.Client
}

func (h *FileHandle) client() *http.Client {
	return h.fs.client
}

func (h *FileHandle) disableCaching() {
	if !h.noCache.Swap(true) {
		log.Debugf("Disabling caching for %v", h.url)
		h.fs.InvalidateCachedData(h.url)
	}
}

// URL returns the remote URL this handle reads from (before redirect
// resolution).
func (h *FileHandle) URL() string {
	return h.url
}

// Size probes and returns the remote file size.
func (h *FileHandle) Size() (uint64, error) {
	prop, err := h.establishSize(h.interruptCtx)
	if err != nil {
		return 0, err
	}
	if prop.Exists == ExistNo {
		return 0, ErrObjectNotFound
	}
	return prop.FileSize, nil
}

// Seek repositions the sequential cursor. Whence follows io.Seeker.
func (h *FileHandle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(h.offset) + offset
	case io.SeekEnd:
		h.mu.Unlock()
		size, err := h.Size()
		h.mu.Lock()
		if err != nil {
			return int64(h.offset), err
		}
		next = int64(size) + offset
	default:
		return int64(h.offset), ErrInvalidSeek
	}
	if next < 0 {
		return int64(h.offset), ErrInvalidSeek
	}
	h.offset = uint64(next)
	h.eof = false
	return next, nil
}

func (h *FileHandle) Tell() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

func (h *FileHandle) Eof() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eof
}

// HasError reports whether a previous Read ended with a terminal error.
func (h *FileHandle) HasError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasError
}

// Read fills p from the current offset. It returns io.EOF only when
// no bytes could be produced at all; a short read at end of file comes
// back with a nil error and the eof flag set.
func (h *FileHandle) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if h.interrupted.Load() {
		return 0, ErrInterrupted
	}
	h.mu.Lock()
	offset := h.offset
	h.mu.Unlock()

	n, err := h.readSequential(p, offset)

	h.mu.Lock()
	h.offset = offset + uint64(n)
	if err == nil && n < len(p) {
		h.eof = true
	}
	if err != nil && err != io.EOF {
		h.hasError = true
	}
	h.mu.Unlock()
	if err == nil && n == 0 {
		h.mu.Lock()
		h.eof = true
		h.mu.Unlock()
		return 0, io.EOF
	}
	return n, err
}

// readSequential is the cache-driven read loop with the readahead
// heuristic. It updates blocksToDownload/lastDownloadedOffset but not
// the cursor.
func (h *FileHandle) readSequential(p []byte, offset uint64) (int, error) {
	chunk := uint64(h.fs.regions.ChunkSize())
	iter := offset
	remaining := len(p)

	for remaining > 0 {
		// Don't try to read past a known end of file.
		prop, _ := h.fs.props.Get(h.url)
		if prop.Exists == ExistNo {
			return int(iter - offset), ErrObjectNotFound
		}
		if prop.SizeKnown && iter >= prop.FileSize {
			break
		}

		blockOffset := (iter / chunk) * chunk
		region := h.cachedRegion(blockOffset)
		if region == nil {
			nBlocks := h.planDownload(blockOffset, iter, remaining)
			data, err := h.downloadBlocks(h.interruptCtx, blockOffset, nBlocks)
			if err != nil {
				return int(iter - offset), err
			}
			h.mu.Lock()
			h.lastDownloadedOffset = blockOffset + uint64(nBlocks)*chunk
			h.mu.Unlock()
			region = data
		}

		inRegion := iter - blockOffset
		if uint64(len(region)) <= inRegion {
			break
		}
		n := copy(p[iter-offset:], region[inRegion:])
		iter += uint64(n)
		remaining -= n
		if len(region) < int(chunk) && remaining > 0 {
			// Short region means EOF lies inside it.
			break
		}
	}
	return int(iter - offset), nil
}

func (h *FileHandle) cachedRegion(blockOffset uint64) []byte {
	if h.noCache.Load() {
		return nil
	}
	return h.fs.regions.Get(h.url, blockOffset)
}

// planDownload decides how many chunks the next request covers: the
// readahead window doubles on consecutive reads and resets on a seek,
// is raised to cover the caller's remaining buffer, shrinks before the
// first already-cached block, and is capped by the cache capacity.
func (h *FileHandle) planDownload(blockOffset, iter uint64, remaining int) int {
	chunk := uint64(h.fs.regions.ChunkSize())

	h.mu.Lock()
	if blockOffset == h.lastDownloadedOffset {
		if h.blocksToDownload < maxChunkIncreaseFactor {
			h.blocksToDownload *= 2
		}
	} else {
		h.blocksToDownload = 1
	}
	nBlocks := h.blocksToDownload
	h.mu.Unlock()

	endOffset := ((iter + uint64(remaining) + chunk - 1) / chunk) * chunk
	nBlocks = MaxInt(nBlocks, int((endOffset-blockOffset)/chunk))
	// Avoid re-downloading already cached chunks.
	for i := 1; i < nBlocks; i++ {
		if h.fs.regions.Contains(h.url, blockOffset+uint64(i)*chunk) {
			nBlocks = i
			break
		}
	}
	return MinInt(nBlocks, h.fs.regions.Capacity())
}

// downloadBlocks fetches [blockOffset, blockOffset+nBlocks*chunk)
// through the in-flight dedup table, slices the result into individual
// chunks for the region cache, and returns the raw bytes.
func (h *FileHandle) downloadBlocks(ctx context.Context, blockOffset uint64, nBlocks int) ([]byte, error) {
	chunk := h.fs.regions.ChunkSize()
	data, err := h.fs.dl.Do(h.url, blockOffset, nBlocks, func() ([]byte, error) {
		body, err := h.downloadRange(ctx, blockOffset, nBlocks*chunk)
		if err != nil {
			return nil, err
		}
		if !h.noCache.Load() {
			for off := 0; off < len(body); off += chunk {
				end := off + chunk
				if end > len(body) {
					end = len(body)
				}
				h.fs.regions.Put(h.url, blockOffset+uint64(off), body[off:end])
			}
			if len(body) == 0 {
				// Cache the empty region at EOF too, so repeated reads
				// past the end stay local.
				h.fs.regions.Put(h.url, blockOffset, nil)
			}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PRead reads len(p) bytes at offset without touching the handle
// cursor, readahead state or eof flag. It first tries to satisfy the
// read from a pending AdviseRead range, then falls back to the region
// cache. Safe for concurrent use on one handle.
func (h *FileHandle) PRead(p []byte, offset uint64) (int, error) {
	if n, ok := h.tryAdviseRead(p, offset); ok {
		return n, nil
	}

	prop, _ := h.fs.props.Get(h.url)
	if prop.Exists == ExistNo {
		return 0, ErrObjectNotFound
	}

	chunk := uint64(h.fs.regions.ChunkSize())
	iter := offset
	remaining := len(p)
	for remaining > 0 {
		if prop.SizeKnown && iter >= prop.FileSize {
			break
		}
		blockOffset := (iter / chunk) * chunk
		region := h.cachedRegion(blockOffset)
		if region == nil {
			endOffset := ((iter + uint64(remaining) + chunk - 1) / chunk) * chunk
			nBlocks := MinInt(int((endOffset-blockOffset)/chunk), h.fs.regions.Capacity())
			data, err := h.downloadBlocks(h.interruptCtx, blockOffset, nBlocks)
			if err != nil {
				return int(iter - offset), err
			}
			region = data
		}
		inRegion := iter - blockOffset
		if uint64(len(region)) <= inRegion {
			break
		}
		n := copy(p[iter-offset:], region[inRegion:])
		iter += uint64(n)
		remaining -= n
		if len(region) < int(chunk) && remaining > 0 {
			break
		}
		prop, _ = h.fs.props.Get(h.url)
	}
	return int(iter - offset), nil
}

// Interrupt aborts in-flight and future downloads on this handle.
// Pending AdviseRead waiters observe an empty buffer.
func (h *FileHandle) Interrupt() {
	h.interrupted.Store(true)
	h.interruptCancel()
}

// Close interrupts outstanding work and joins the advise-read worker.
func (h *FileHandle) Close() error {
	h.adviseWg.Wait()
	return nil
}
