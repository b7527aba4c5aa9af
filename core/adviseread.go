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
	"sync"

	"golang.org/x/sync/errgroup"
)

// Ranges whose gap is at most this many bytes are merged into one
// request. Matches the size of two uint32 markers between strips of
// cloud-optimized rasters.
const adviseReadMergeGap = 8

const adviseReadConcurrency = 8

// adviseRange is one speculative fetch requested by AdviseRead. A
// PRead fully contained in [start, start+size) waits on the condition
// variable until the worker marks it done, then copies from data. An
// interrupted or failed range stays empty, which readers observe as a
// short read.
type adviseRange struct {
	start uint64
	size  int

	mu   sync.Mutex
	cond *sync.Cond
	done bool
	data []byte
}

func newAdviseRange(start uint64, size int) *adviseRange {
	r := &adviseRange{start: start, size: size}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *adviseRange) complete(data []byte) {
	r.mu.Lock()
	r.data = data
	r.done = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *adviseRange) wait() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.done {
		r.cond.Wait()
	}
	return r.data
}

// AdviseRead asynchronously fetches the given non-contiguous regions
// on a background worker with its own HTTP client. Almost-consecutive
// ranges are merged; the whole request set is declined when it exceeds
// the configured total-bytes ceiling. A previous worker, if any, is
// joined first.
func (h *FileHandle) AdviseRead(offsets []uint64, sizes []int) {
	if len(offsets) != len(sizes) || len(offsets) == 0 {
		return
	}
	h.adviseWg.Wait()

	var total uint64
	limit := h.fs.flags.AdviseReadBytesLimit
	for _, size := range sizes {
		if uint64(size) > limit-total {
			log.Debugf("AdviseRead: declining, %v ranges exceed the %v bytes limit",
				len(offsets), limit)
			return
		}
		total += uint64(size)
	}

	requestURL := h.url
	// An expired cached redirect has just been dropped and effectiveURL
	// falls back to the original URL, which is still good to fetch from.
	effective, _ := h.fs.effectiveURL(requestURL)

	merge := h.fs.flags.MergeConsecutiveRanges
	var ranges []*adviseRange
	for i := 0; i < len(offsets); {
		next := i
		end := offsets[next] + uint64(sizes[next])
		for merge && next+1 < len(offsets) &&
			offsets[next+1] > offsets[next] &&
			offsets[next]+uint64(sizes[next])+adviseReadMergeGap >= offsets[next+1] &&
			offsets[next+1]+uint64(sizes[next+1]) > end {
			next++
			end = offsets[next] + uint64(sizes[next])
		}
		if size := int(end - offsets[i]); size > 0 {
			ranges = append(ranges, newAdviseRange(offsets[i], size))
		}
		i = next + 1
	}
	if len(ranges) == 0 {
		return
	}
	log.Debugf("AdviseRead: fetching %v ranges of %v", len(ranges), requestURL)

	h.adviseMu.Lock()
	h.adviseRanges = ranges
	if h.adviseClient == nil {
		h.adviseClient = h.fs.newHTTPClient()
	}
	client := h.adviseClient
	h.adviseMu.Unlock()

	h.adviseWg.Add(1)
	go func() {
		defer h.adviseWg.Done()
		var eg errgroup.Group
		eg.SetLimit(adviseReadConcurrency)
		for _, r := range ranges {
			r := r
			eg.Go(func() error {
				if h.interrupted.Load() {
					r.complete(nil)
					return nil
				}
				resp, err := h.fetchWithRetry(h.interruptCtx, client,
					"GET", effective, rangeHeaderFor(r.start, r.size))
				if err != nil || resp.status < 200 || resp.status >= 300 {
					if err != nil {
						log.Warnf("AdviseRead: range %v+%v failed: %v", r.start, r.size, err)
					} else {
						log.Warnf("AdviseRead: range %v+%v failed with status %v", r.start, r.size, resp.status)
					}
					r.complete(nil)
					return nil
				}
				body := resp.body
				if len(body) > r.size {
					body = body[:r.size]
				}
				r.complete(body)
				return nil
			})
		}
		eg.Wait()
	}()
}

// tryAdviseRead serves a PRead from a pending advise range when the
// requested window lies fully inside one.
func (h *FileHandle) tryAdviseRead(p []byte, offset uint64) (int, bool) {
	h.adviseMu.Lock()
	ranges := h.adviseRanges
	h.adviseMu.Unlock()
	for _, r := range ranges {
		if offset >= r.start && offset+uint64(len(p)) <= r.start+uint64(r.size) {
			data := r.wait()
			if len(data) == 0 {
				return 0, true
			}
			end := r.start + uint64(len(data))
			if offset >= end {
				return 0, true
			}
			return copy(p, data[offset-r.start:]), true
		}
	}
	return 0, false
}
