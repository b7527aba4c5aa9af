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
	. "gopkg.in/check.v1"
)

type ErrorsTest struct {
}

var _ = Suite(&ErrorsTest{})

func (s *ErrorsTest) TestParseRemoteError(c *C) {
	cases := []struct {
		body string
		err  error
	}{
		{`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message></Error>`,
			ErrBucketNotFound},
		{`<Error><Code>ContainerNotFound</Code></Error>`, ErrBucketNotFound},
		{`<Error><Code>FilesystemNotFound</Code></Error>`, ErrBucketNotFound},
		{`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`,
			ErrObjectNotFound},
		{`<Error><Code>BlobNotFound</Code></Error>`, ErrObjectNotFound},
		{`<Error><Code>PathNotFound</Code></Error>`, ErrObjectNotFound},
		{`<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`,
			ErrInvalidCredentials},
		{`<Error><Code>InvalidAccessKeyId</Code></Error>`, ErrInvalidCredentials},
		{`<Error><Code>SignatureDoesNotMatch</Code></Error>`, ErrInvalidCredentials},
		{`<Error><Code>AuthenticationFailed</Code></Error>`, ErrInvalidCredentials},
		{`<Error><Code>ExpiredToken</Code></Error>`, ErrInvalidCredentials},
	}
	for _, tc := range cases {
		c.Assert(parseRemoteError([]byte(tc.body)), Equals, tc.err,
			Commentf("body: %v", tc.body))
	}
}

func (s *ErrorsTest) TestParseRemoteErrorUnknownCode(c *C) {
	err := parseRemoteError([]byte(
		`<?xml version="1.0"?><Error><Code>SlowDown</Code><Message>Reduce your request rate.</Message></Error>`))
	c.Assert(err, ErrorMatches, "SlowDown: Reduce your request rate.")

	err = parseRemoteError([]byte(`<Error><Code>Teapot</Code></Error>`))
	c.Assert(err, ErrorMatches, "remote error: Teapot")
}

func (s *ErrorsTest) TestParseRemoteErrorNonXML(c *C) {
	c.Assert(parseRemoteError(nil), IsNil)
	c.Assert(parseRemoteError([]byte("plain text body")), IsNil)
	c.Assert(parseRemoteError([]byte("<html><body>404</body></html>")), IsNil)
	// XML without a Code element is not an error document.
	c.Assert(parseRemoteError([]byte(`<?xml version="1.0"?><Result></Result>`)), IsNil)
}
