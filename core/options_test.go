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
	"net/http"
	"time"

	. "gopkg.in/check.v1"

	"github.com/gridscan/vsicurl/core/cfg"
)

type OptionsTest struct {
}

var _ = Suite(&OptionsTest{})

func (s *OptionsTest) TestDirectURL(c *C) {
	flags := cfg.DefaultConfig()
	opts, err := parseFilename("/vsicurl/https://example.com/a/b.tif", flags)
	c.Assert(err, IsNil)
	c.Assert(opts.URL, Equals, "https://example.com/a/b.tif")
	c.Assert(opts.UseHead, Equals, true)
	c.Assert(opts.ListDir, Equals, true)
	c.Assert(opts.MaxRetry, Equals, flags.MaxRetry)

	opts, err = parseFilename("/vsicurl/ftp://example.com/a", flags)
	c.Assert(err, IsNil)
	c.Assert(opts.URL, Equals, "ftp://example.com/a")
}

func (s *OptionsTest) TestOptionForm(c *C) {
	flags := cfg.DefaultConfig()
	opts, err := parseFilename(
		"/vsicurl?max_retry=3&retry_delay=0.5&use_head=no&list_dir=no"+
			"&header.X-Custom=value&url=https%3A%2F%2Fexample.com%2Fa%2Fb.tif",
		flags)
	c.Assert(err, IsNil)
	c.Assert(opts.URL, Equals, "https://example.com/a/b.tif")
	c.Assert(opts.MaxRetry, Equals, 3)
	c.Assert(opts.RetryDelay, Equals, 500*time.Millisecond)
	c.Assert(opts.UseHead, Equals, false)
	c.Assert(opts.ListDir, Equals, false)
	c.Assert(opts.Headers.Get("X-Custom"), Equals, "value")
}

func (s *OptionsTest) TestUnknownOptionsIgnored(c *C) {
	flags := cfg.DefaultConfig()
	opts, err := parseFilename(
		"/vsicurl?some_future_option=1&url=http://example.com/f", flags)
	c.Assert(err, IsNil)
	c.Assert(opts.URL, Equals, "http://example.com/f")
}

func (s *OptionsTest) TestMissingURL(c *C) {
	flags := cfg.DefaultConfig()
	_, err := parseFilename("/vsicurl?max_retry=3", flags)
	c.Assert(err, NotNil)
	_, err = parseFilename("/tmp/not-remote", flags)
	c.Assert(err, NotNil)
}

func (s *OptionsTest) TestPCSigningOptions(c *C) {
	flags := cfg.DefaultConfig()
	opts, err := parseFilename(
		"/vsicurl?pc_url_signing=yes&pc_collection=naip&url=https://example.com/f", flags)
	c.Assert(err, IsNil)
	c.Assert(opts.PCURLSigning, Equals, true)
	c.Assert(opts.PCCollection, Equals, "naip")
}

func (s *OptionsTest) TestSignedURLDetection(c *C) {
	c.Assert(isSignedURL("https://b.s3.amazonaws.com/f?AWSAccessKeyId=K&Signature=abc"), Equals, true)
	c.Assert(isSignedURL("https://b.storage.googleapis.com/f?Signature=abc"), Equals, true)
	c.Assert(isSignedURL("https://d123.cloudfront.net/f?Expires=1&Signature=abc"), Equals, true)
	c.Assert(isSignedURL("https://example.com/f?X-Amz-Signature=abc"), Equals, true)
	// A Signature parameter on an unknown host is not treated as presigned.
	c.Assert(isSignedURL("https://example.com/f?Signature=abc"), Equals, false)
	c.Assert(isSignedURL("https://b.s3.amazonaws.com/f"), Equals, false)
}

func (s *OptionsTest) TestSignedURLExpiry(c *C) {
	c.Assert(signedURLExpiry("https://b.s3.amazonaws.com/f?Expires=1700000000&Signature=x"),
		Equals, int64(1700000000))

	// 20240102T030405Z + 3600 seconds.
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Unix()
	c.Assert(signedURLExpiry("https://b.s3.amazonaws.com/f?X-Amz-Date=20240102T030405Z&X-Amz-Expires=3600&X-Amz-Signature=x"),
		Equals, base+3600)

	c.Assert(signedURLExpiry("https://example.com/f"), Equals, int64(0))
}

func (s *OptionsTest) TestParseContentRangeTotal(c *C) {
	h := http.Header{}
	h.Set("Content-Range", "bytes 0-15/1234")
	total, ok := parseContentRangeTotal(h)
	c.Assert(ok, Equals, true)
	c.Assert(total, Equals, uint64(1234))

	h.Set("Content-Range", "bytes */20")
	total, ok = parseContentRangeTotal(h)
	c.Assert(ok, Equals, true)
	c.Assert(total, Equals, uint64(20))

	h.Set("Content-Range", "bytes 0-15/*")
	_, ok = parseContentRangeTotal(h)
	c.Assert(ok, Equals, false)

	_, ok = parseContentRangeTotal(http.Header{})
	c.Assert(ok, Equals, false)
}

func (s *OptionsTest) TestParsePosixPermissions(c *C) {
	c.Assert(parsePosixPermissions("rwxr-xr--"), Equals, uint16(0754))
	c.Assert(parsePosixPermissions("rw-r--r--"), Equals, uint16(0644))
	c.Assert(parsePosixPermissions("---------"), Equals, uint16(0))
	c.Assert(parsePosixPermissions("bad"), Equals, uint16(0))
}

func (s *OptionsTest) TestMapHttpError(c *C) {
	c.Assert(mapHttpError(404), Equals, ErrObjectNotFound)
	c.Assert(mapHttpError(403), Equals, ErrInvalidCredentials)
	c.Assert(mapHttpError(500), FitsTypeOf, &HttpError{})
}
