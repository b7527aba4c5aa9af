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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "gopkg.in/check.v1"

	"github.com/gridscan/vsicurl/core/cfg"
)

type HandleTest struct {
}

var _ = Suite(&HandleTest{})

// rangeServer serves a fixed body with full Range support (including
// multipart/byteranges) and records every request it sees.
type rangeServer struct {
	data    []byte
	modTime time.Time

	mu       sync.Mutex
	requests []string

	// hook, if set, may fully handle the request.
	hook func(w http.ResponseWriter, r *http.Request) bool
}

func (rs *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	rs.requests = append(rs.requests, r.Method+" "+r.Header.Get("Range"))
	rs.mu.Unlock()
	if rs.hook != nil && rs.hook(w, r) {
		return
	}
	http.ServeContent(w, r, "data.bin", rs.modTime, bytes.NewReader(rs.data))
}

func (rs *rangeServer) gets() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, req := range rs.requests {
		if req[:4] == "GET " {
			out = append(out, req[4:])
		}
	}
	return out
}

func (rs *rangeServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func seqData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func newTestFS(chunkSize, maxRegions int) *FileSystem {
	flags := cfg.DefaultConfig()
	flags.ChunkSize = chunkSize
	flags.MaxRegions = maxRegions
	return NewFileSystem(flags)
}

func (s *HandleTest) TestSequentialReadahead(c *C) {
	rs := &rangeServer{data: seqData(64)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	for i := 0; i < 4; i++ {
		n, err := h.Read(p)
		c.Assert(err, IsNil)
		c.Assert(n, Equals, 16)
		c.Assert(p, DeepEquals, rs.data[i*16:(i+1)*16])
	}

	// The window doubles on each consecutive request, and the read at
	// offset 32 is served from cache.
	c.Assert(rs.gets(), DeepEquals, []string{
		"bytes=0-15",
		"bytes=16-47",
		"bytes=48-111",
	})
}

func (s *HandleTest) TestSeekResetsReadahead(c *C) {
	rs := &rangeServer{data: seqData(64)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	_, err = h.Read(p)
	c.Assert(err, IsNil)

	pos, err := h.Seek(48, io.SeekStart)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(48))
	n, err := h.Read(p)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 16)
	c.Assert(p, DeepEquals, rs.data[48:64])

	// The request after a seek covers a single chunk again.
	c.Assert(rs.gets(), DeepEquals, []string{
		"bytes=0-15",
		"bytes=48-63",
	})
}

func (s *HandleTest) TestShortReadAtEOF(c *C) {
	rs := &rangeServer{data: seqData(20)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 32)
	n, err := h.Read(p)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 20)
	c.Assert(p[:20], DeepEquals, rs.data)
	c.Assert(h.Eof(), Equals, true)

	n, err = h.Read(p)
	c.Assert(err, Equals, io.EOF)
	c.Assert(n, Equals, 0)

	c.Assert(rs.gets(), DeepEquals, []string{
		"bytes=0-15",
		"bytes=16-47",
	})
}

func (s *HandleTest) TestReadPastEOF(c *C) {
	rs := &rangeServer{data: seqData(20)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	_, err = h.Seek(96, io.SeekStart)
	c.Assert(err, IsNil)
	p := make([]byte, 8)
	n, err := h.Read(p)
	c.Assert(err, Equals, io.EOF)
	c.Assert(n, Equals, 0)
	c.Assert(h.Eof(), Equals, true)

	// The server answered 416 for the out-of-range request.
	c.Assert(rs.gets(), DeepEquals, []string{"bytes=96-111"})
}

func (s *HandleTest) TestSeek(c *C) {
	rs := &rangeServer{data: seqData(64)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	pos, err := h.Seek(4, io.SeekStart)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(4))
	pos, err = h.Seek(8, io.SeekCurrent)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(12))
	c.Assert(h.Tell(), Equals, uint64(12))

	pos, err = h.Seek(-4, io.SeekEnd)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(60))

	_, err = h.Seek(-1, io.SeekStart)
	c.Assert(err, Equals, ErrInvalidSeek)
}

func (s *HandleTest) TestConcurrentPReadSingleDownload(c *C) {
	rs := &rangeServer{data: seqData(64)}
	// Hold the response long enough for every reader to join the
	// in-flight download.
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		time.Sleep(100 * time.Millisecond)
		return false
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			p := make([]byte, 16)
			_, errs[i] = h.PRead(p, 0)
			results[i] = p
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < 8; i++ {
		c.Assert(errs[i], IsNil)
		c.Assert(results[i], DeepEquals, rs.data[0:16])
	}
	// All eight readers were satisfied by one upstream request.
	c.Assert(rs.gets(), DeepEquals, []string{"bytes=0-15"})
}

func (s *HandleTest) TestPReadDoesNotDisturbReadahead(c *C) {
	rs := &rangeServer{data: seqData(256)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	_, err = h.Read(p)
	c.Assert(err, IsNil)

	// A positioned read elsewhere must not grow or reset the window.
	_, err = h.PRead(p, 128)
	c.Assert(err, IsNil)
	c.Assert(p, DeepEquals, rs.data[128:144])

	_, err = h.Read(p)
	c.Assert(err, IsNil)
	c.Assert(p, DeepEquals, rs.data[16:32])

	c.Assert(rs.gets(), DeepEquals, []string{
		"bytes=0-15",
		"bytes=128-143",
		"bytes=16-47",
	})
}

func (s *HandleTest) TestInterrupt(c *C) {
	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/http://example.invalid/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	h.Interrupt()
	p := make([]byte, 8)
	_, err = h.Read(p)
	c.Assert(err, Equals, ErrInterrupted)
	err = h.ReadMultiRange([][]byte{p}, []uint64{0})
	c.Assert(err, Equals, ErrInterrupted)
}

func (s *HandleTest) TestRangeNotSupported(c *C) {
	rs := &rangeServer{data: seqData(64)}
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		// A server that ignores the Range header entirely.
		w.WriteHeader(200)
		w.Write(rs.data)
		return true
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	n, err := h.Read(p)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 16)
	c.Assert(p, DeepEquals, rs.data[0:16])

	_, err = h.Seek(32, io.SeekStart)
	c.Assert(err, IsNil)
	_, err = h.Read(p)
	c.Assert(err, Equals, ErrRangeNotSupported)
}

func (s *HandleTest) TestRetryOn503(c *C) {
	rs := &rangeServer{data: seqData(64)}
	failures := 2
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		if failures > 0 {
			failures--
			w.WriteHeader(503)
			return true
		}
		return false
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	flags := cfg.DefaultConfig()
	flags.ChunkSize = 16
	flags.MaxRegions = 100
	flags.MaxRetry = 3
	flags.RetryDelay = time.Millisecond
	fs := NewFileSystem(flags)

	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	n, err := h.Read(p)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 16)
	c.Assert(rs.count(), Equals, 3)
}

func (s *HandleTest) TestRetryBudgetExhausted(c *C) {
	rs := &rangeServer{}
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(503)
		return true
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	flags := cfg.DefaultConfig()
	flags.ChunkSize = 16
	flags.MaxRegions = 100
	flags.MaxRetry = 2
	flags.RetryDelay = time.Millisecond
	fs := NewFileSystem(flags)

	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	_, err = h.Read(p)
	c.Assert(err, DeepEquals, &HttpError{Status: 503})
	c.Assert(rs.count(), Equals, 3)
}

func (s *HandleTest) TestCacheControlNoCache(c *C) {
	rs := &rangeServer{data: seqData(64)}
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Cache-Control", "no-cache")
		return false
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	fs := newTestFS(16, 100)
	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	_, err = h.PRead(p, 0)
	c.Assert(err, IsNil)
	c.Assert(p, DeepEquals, rs.data[0:16])

	// The server opted out of caching, so the same range is fetched
	// again instead of being served from the region cache.
	_, err = h.PRead(p, 0)
	c.Assert(err, IsNil)
	c.Assert(rs.gets(), DeepEquals, []string{"bytes=0-15", "bytes=0-15"})
}

func (s *HandleTest) TestCacheControlIgnored(c *C) {
	rs := &rangeServer{data: seqData(64)}
	rs.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Cache-Control", "no-cache")
		return false
	}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	flags := cfg.DefaultConfig()
	flags.ChunkSize = 16
	flags.MaxRegions = 100
	flags.HonorCacheControl = false
	fs := NewFileSystem(flags)

	h, err := fs.Open("/vsicurl/" + srv.URL + "/data.bin")
	c.Assert(err, IsNil)
	defer h.Close()

	p := make([]byte, 16)
	_, err = h.PRead(p, 0)
	c.Assert(err, IsNil)
	_, err = h.PRead(p, 0)
	c.Assert(err, IsNil)
	c.Assert(rs.gets(), DeepEquals, []string{"bytes=0-15"})
}
