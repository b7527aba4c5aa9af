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
	"encoding/xml"
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound is returned when the server reports 404 for a
	// key, or when a successful directory listing does not contain it.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned for container-level 404s
	// (ContainerNotFound / FilesystemNotFound / NoSuchBucket bodies).
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials is returned for 401/403 once retries and
	// credential refresh have been exhausted.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRangeNotSupported is returned when the server answered a
	// range request with the full file body.
	ErrRangeNotSupported = errors.New("range downloading not supported by this server")

	// ErrInterrupted is returned when the handle was interrupted while
	// a download was in progress.
	ErrInterrupted = errors.New("interrupted")

	// ErrInvalidSeek is returned for seeks before the file start.
	ErrInvalidSeek = errors.New("invalid seek")
)

// HttpError carries a non-success HTTP status that is not covered by a
// more specific error kind.
type HttpError struct {
	Status int
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("HTTP error %v", e.Status)
}

// TransportError wraps connection, DNS and TLS level failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func mapHttpError(status int) error {
	switch status {
	case 401, 403:
		return ErrInvalidCredentials
	case 404, 410:
		return ErrObjectNotFound
	default:
		return &HttpError{Status: status}
	}
}

type remoteErrorBody struct {
	XMLName xml.Name
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// parseRemoteError sniffs an XML error body (S3 / Azure flavoured) and
// maps its Code to one of the error kinds above. Returns nil when the
// body is not a recognizable error document.
func parseRemoteError(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) && !bytes.HasPrefix(trimmed, []byte("<Error>")) {
		return nil
	}
	var e remoteErrorBody
	if err := xml.Unmarshal(trimmed, &e); err != nil || e.Code == "" {
		return nil
	}
	switch e.Code {
	case "NoSuchBucket", "ContainerNotFound", "FilesystemNotFound", "BucketNotFound":
		return ErrBucketNotFound
	case "NoSuchKey", "BlobNotFound", "PathNotFound", "ObjectNotFound":
		return ErrObjectNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"AuthenticationFailed", "AuthorizationFailure", "ExpiredToken":
		return ErrInvalidCredentials
	}
	if e.Message != "" {
		return fmt.Errorf("%v: %v", e.Code, e.Message)
	}
	return fmt.Errorf("remote error: %v", e.Code)
}
