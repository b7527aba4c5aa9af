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
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gridscan/vsicurl/core/cfg"
)

const multiRangeConcurrency = 8

// Servers commonly reject multipart range requests with too many
// sub-ranges; split recursively beyond this count.
const maxRangesPerSingleGet = 250

// rangeRequest is one merged HTTP request covering one or more of the
// caller's ranges.
type rangeRequest struct {
	start uint64
	size  int

	// members index the caller's arrays; data for member i starts at
	// offsets[i]-start within the merged body.
	members []int
}

// ReadMultiRange fills each bufs[i] from offsets[i]. The strategy is
// taken from the configuration: parallel per-range GETs (default), a
// serial loop, or one multipart/byteranges GET.
func (h *FileHandle) ReadMultiRange(bufs [][]byte, offsets []uint64) error {
	if len(bufs) != len(offsets) {
		return fmt.Errorf("ReadMultiRange: %v buffers for %v offsets", len(bufs), len(offsets))
	}
	if len(bufs) == 0 {
		return nil
	}
	if h.interrupted.Load() {
		return ErrInterrupted
	}
	if prop, ok := h.fs.props.Get(h.url); ok && prop.Exists == ExistNo {
		return ErrObjectNotFound
	}

	switch h.fs.flags.MultiRangeStrategy {
	case cfg.MultiRangeSingleGet:
		return h.readMultiRangeSingleGet(bufs, offsets)
	case cfg.MultiRangeSerial:
		for i := range bufs {
			if _, err := h.PRead(bufs[i], offsets[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return h.readMultiRangeParallel(bufs, offsets)
	}
}

// mergeRanges merges consecutive ranges (end of one == start of the
// next) into single requests when enabled.
func (h *FileHandle) mergeRanges(bufs [][]byte, offsets []uint64) []rangeRequest {
	merge := h.fs.flags.MergeConsecutiveRanges
	var reqs []rangeRequest
	for i := 0; i < len(bufs); {
		req := rangeRequest{start: offsets[i], size: len(bufs[i]), members: []int{i}}
		next := i + 1
		for merge && next < len(bufs) &&
			offsets[next] == req.start+uint64(req.size) {
			req.size += len(bufs[next])
			req.members = append(req.members, next)
			next++
		}
		if req.size > 0 {
			reqs = append(reqs, req)
		}
		i = next
	}
	return reqs
}

// scatter copies a merged request's body back into the member buffers.
func scatter(req rangeRequest, body []byte, bufs [][]byte, offsets []uint64) error {
	for _, i := range req.members {
		from := offsets[i] - req.start
		if uint64(len(body)) < from+uint64(len(bufs[i])) {
			return fmt.Errorf("short body for range %v+%v", offsets[i], len(bufs[i]))
		}
		copy(bufs[i], body[from:])
	}
	return nil
}

func (h *FileHandle) readMultiRangeParallel(bufs [][]byte, offsets []uint64) error {
	reqs := h.mergeRanges(bufs, offsets)
	requestURL := h.url
	effective, _ := h.fs.effectiveURL(requestURL)

	var eg errgroup.Group
	eg.SetLimit(multiRangeConcurrency)
	for _, req := range reqs {
		req := req
		eg.Go(func() error {
			resp, err := h.fetchWithRetry(h.interruptCtx, h.client(), "GET",
				effective, rangeHeaderFor(req.start, req.size))
			if err != nil {
				return err
			}
			if resp.status != 206 && resp.status != 200 {
				if err := parseRemoteError(resp.body); err != nil {
					return err
				}
				return mapHttpError(resp.status)
			}
			if resp.status == 200 && req.start > 0 {
				return ErrRangeNotSupported
			}
			return scatter(req, resp.body, bufs, offsets)
		})
	}
	return eg.Wait()
}

// readMultiRangeSingleGet issues one GET whose Range header enumerates
// every merged sub-range and splits the multipart/byteranges response
// back into the caller's buffers.
func (h *FileHandle) readMultiRangeSingleGet(bufs [][]byte, offsets []uint64) error {
	if len(bufs) > maxRangesPerSingleGet {
		half := len(bufs) / 2
		if err := h.readMultiRangeSingleGet(bufs[:half], offsets[:half]); err != nil {
			return err
		}
		return h.readMultiRangeSingleGet(bufs[half:], offsets[half:])
	}

	reqs := h.mergeRanges(bufs, offsets)
	if len(reqs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("bytes=")
	for i, req := range reqs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%v-%v", req.start, req.start+uint64(req.size)-1)
	}

	requestURL := h.url
	effective, _ := h.fs.effectiveURL(requestURL)
	resp, err := h.fetchWithRetry(h.interruptCtx, h.client(), "GET", effective, sb.String())
	if err != nil {
		return err
	}
	if resp.status != 206 {
		if err := parseRemoteError(resp.body); err != nil {
			return err
		}
		return mapHttpError(resp.status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/byteranges" {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart/byteranges response without boundary")
		}
		mr := multipart.NewReader(bytes.NewReader(resp.body), boundary)
		part := 0
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			if part >= len(reqs) {
				return fmt.Errorf("got more parts than the %v expected", len(reqs))
			}
			start, ok := parsePartStart(p.Header.Get("Content-Range"))
			if !ok {
				start = reqs[part].start
			}
			body := make([]byte, reqs[part].size)
			n, _ := io.ReadFull(p, body)
			if n < reqs[part].size {
				return fmt.Errorf("short part %v: %v of %v bytes", part, n, reqs[part].size)
			}
			// Parts come back in request order; Content-Range is only
			// used as a consistency check.
			if start != reqs[part].start {
				return fmt.Errorf("part %v starts at %v, expected %v", part, start, reqs[part].start)
			}
			if err := scatter(reqs[part], body, bufs, offsets); err != nil {
				return err
			}
			part++
		}
		if part != len(reqs) {
			return fmt.Errorf("got only %v parts, where %v were expected", part, len(reqs))
		}
		return nil
	}

	// A single merged range comes back as one plain 206 body.
	if len(reqs) == 1 {
		return scatter(reqs[0], resp.body, bufs, offsets)
	}
	return fmt.Errorf("expected multipart/byteranges response, got %v", resp.header.Get("Content-Type"))
}

// parsePartStart extracts the start offset of a
// "Content-Range: bytes a-b/N" part header.
func parsePartStart(cr string) (uint64, bool) {
	cr = strings.TrimPrefix(cr, "bytes ")
	dash := strings.IndexByte(cr, '-')
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseUint(cr[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
