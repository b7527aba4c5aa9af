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
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gridscan/vsicurl/core/cfg"
)

var fetchLog = cfg.GetLogger("fetch")

// fetchResponse is the outcome of one HTTP exchange, with redirects
// already followed by the transport.
type fetchResponse struct {
	status       int
	header       http.Header
	body         []byte
	effectiveURL string
}

// doRequest performs one HTTP exchange on behalf of h, with request
// signing and custom headers applied. Transport-level failures come
// back as *TransportError.
func (h *FileHandle) doRequest(ctx context.Context, client *http.Client, method, url, rangeHeader string) (*fetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	req.Header.Set("User-Agent", h.fs.flags.UserAgent)
	if ua := h.opts.Transport["useragent"]; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if referer := h.opts.Transport["referer"]; referer != "" {
		req.Header.Set("Referer", referer)
	}
	if cookie := h.opts.Transport["cookie"]; cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	for name, values := range h.opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if h.fs.Signer != nil {
		if err := h.fs.Signer.SignRequest(req); err != nil {
			return nil, err
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil || h.interrupted.Load() {
			return nil, ErrInterrupted
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil || h.interrupted.Load() {
			return nil, ErrInterrupted
		}
		return nil, &TransportError{Err: err}
	}
	effective := url
	if resp.Request != nil && resp.Request.URL != nil {
		effective = resp.Request.URL.String()
	}
	return &fetchResponse{
		status:       resp.StatusCode,
		header:       resp.Header,
		body:         body,
		effectiveURL: effective,
	}, nil
}

// fetchWithRetry drives the retry policy around doRequest. 401/403
// trigger the credential-refresh hook once per attempt without
// consuming a retry slot; the auth generation bump that goes with it
// invalidates negative cache entries.
func (h *FileHandle) fetchWithRetry(ctx context.Context, client *http.Client, method, url, rangeHeader string) (*fetchResponse, error) {
	rc := h.retry.NewContext()
	refreshed := false
	for {
		if h.interrupted.Load() {
			return nil, ErrInterrupted
		}
		resp, err := h.doRequest(ctx, client, method, url, rangeHeader)
		if err == ErrInterrupted {
			return nil, err
		}
		status := 0
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		} else {
			status = resp.status
		}
		if status > 0 && status < 400 {
			return resp, nil
		}
		if (status == 401 || status == 403) && !refreshed &&
			h.retry.AuthRefresh != nil && h.retry.AuthRefresh() {
			refreshed = true
			continue
		}
		if h.retry.CanRetry(status, errMsg) && rc.Attempt() {
			delay := rc.CurrentDelay()
			fetchLog.Warnf("Retrying %v %v in %v (status %v, error %q)",
				method, url, delay, status, errMsg)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ErrInterrupted
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func rangeHeaderFor(start uint64, length int) string {
	return fmt.Sprintf("bytes=%v-%v", start, start+uint64(length)-1)
}

// parseContentRangeTotal extracts the total size from a
// "Content-Range: bytes x-y/N" header. Returns false when the total is
// absent or unparseable.
func parseContentRangeTotal(header http.Header) (uint64, bool) {
	cr := header.Get("Content-Range")
	slash := strings.LastIndexByte(cr, '/')
	if slash < 0 {
		return 0, false
	}
	total, err := strconv.ParseUint(cr[slash+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// parsePosixPermissions turns an "rwxrwxrwx" string (as sent in
// x-ms-permissions) into POSIX mode bits.
func parsePosixPermissions(s string) uint16 {
	if len(s) < 9 {
		return 0
	}
	var mode uint16
	for i := 0; i < 9; i++ {
		if s[i] != '-' {
			mode |= 1 << uint(8-i)
		}
	}
	return mode
}

// applyResponseProps folds the metadata headers of a successful
// response into the cached FileProp of the request URL.
func (h *FileHandle) applyResponseProps(resp *fetchResponse, prop *FileProp) {
	if etag := resp.header.Get("ETag"); etag != "" {
		prop.ETag = strings.Trim(etag, `"`)
	}
	if lm := resp.header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			prop.MTime = t.Unix()
		}
	}
	if rt := resp.header.Get("x-ms-resource-type"); rt != "" {
		prop.IsDirectory = rt == "directory"
	}
	if perms := resp.header.Get("x-ms-permissions"); perms != "" {
		prop.Mode = parsePosixPermissions(perms)
	}
	if cfg.ParseBool(resp.header.Get("x-ms-meta-hdi_isfolder")) {
		prop.IsAzFolderMarker = true
		prop.IsDirectory = true
	}
	if prop.IsDirectory {
		prop.FileSize = 0
	}
	if h.fs.flags.HonorCacheControl &&
		strings.Contains(resp.header.Get("Cache-Control"), "no-cache") {
		h.disableCaching()
	}
}

// downloadRange issues a ranged GET through the redirect cache and
// classifies the result. On success the returned body covers
// [start, start+length) or less when EOF lies inside the window.
func (h *FileHandle) downloadRange(ctx context.Context, start uint64, length int) ([]byte, error) {
	requestURL := h.url
	effective, _ := h.fs.effectiveURL(requestURL)
	if h.opts.PCURLSigning {
		signed, err := h.fs.pc.Sign(effective, h.opts.PCCollection)
		if err != nil {
			return nil, err
		}
		effective = signed
	}

	resp, err := h.fetchWithRetry(ctx, h.client(), "GET", effective, rangeHeaderFor(start, length))
	if err != nil {
		return nil, err
	}

	prop, _ := h.fs.props.Get(requestURL)

	switch {
	case resp.status == 200 || resp.status == 206 ||
		resp.status == 225 || resp.status == 226:
		if resp.status == 200 && start > 0 {
			// The server ignored the Range header and sent the whole
			// file back.
			return nil, ErrRangeNotSupported
		}
		if total, ok := parseContentRangeTotal(resp.header); ok && !prop.SizeKnown {
			prop.FileSize = total
			prop.SizeKnown = true
		}
		prop.Exists = ExistYes
		h.applyResponseProps(resp, &prop)
		h.fs.props.Put(requestURL, prop)
		h.fs.updateRedirectInfo(requestURL, resp.effectiveURL, resp.status, serverDate(resp.header))
		h.maybeCachePermanentRedirect(resp)
		body := resp.body
		if len(body) > length {
			fetchLog.Debugf("Got more data than expected: %v instead of %v", len(body), length)
			body = body[:length]
		}
		return body, nil
	case resp.status == 416:
		// Requested range starts at or beyond EOF.
		if !prop.SizeKnown {
			prop.Exists = ExistYes
			prop.FileSize = start
			prop.SizeKnown = true
			h.fs.props.Put(requestURL, prop)
		}
		return nil, nil
	case resp.status == 404 || resp.status == 410:
		prop.Exists = ExistNo
		prop.LastHttpStatus = resp.status
		h.fs.props.Put(requestURL, prop)
		if err := parseRemoteError(resp.body); err != nil {
			return nil, err
		}
		return nil, ErrObjectNotFound
	case resp.status == 401 || resp.status == 403:
		prop.Exists = ExistNo
		prop.LastHttpStatus = resp.status
		h.fs.props.Put(requestURL, prop)
		if err := parseRemoteError(resp.body); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	default:
		prop.LastHttpStatus = resp.status
		h.fs.props.Put(requestURL, prop)
		if err := parseRemoteError(resp.body); err != nil {
			return nil, err
		}
		return nil, mapHttpError(resp.status)
	}
}

func serverDate(header http.Header) time.Time {
	if d := header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			return t
		}
	}
	return time.Time{}
}

// maybeCachePermanentRedirect implements the
// use_redirect_url_if_no_query_string_params option: a 200 whose final
// URL differs from the request URL and carries no query string is
// remembered as a long-lived redirect.
func (h *FileHandle) maybeCachePermanentRedirect(resp *fetchResponse) {
	if !h.opts.UseRedirectURLIfNoQueryStringParams {
		return
	}
	if resp.effectiveURL == h.url || strings.Contains(resp.effectiveURL, "?") {
		return
	}
	prop, _ := h.fs.props.Get(h.url)
	if prop.RedirectURL == resp.effectiveURL {
		return
	}
	prop.RedirectURL = resp.effectiveURL
	prop.RedirectExpiresAtLocal = h.fs.now().Add(365 * 24 * time.Hour).Unix()
	h.fs.props.Put(h.url, prop)
}

// establishSize makes sure the size and existence of the file are
// cached, probing with HEAD when permitted and falling back to a
// ranged GET whose Content-Range reveals the total size. The probe's
// bytes are fed to the region cache so no transfer is wasted.
func (h *FileHandle) establishSize(ctx context.Context) (FileProp, error) {
	requestURL := h.url
	if prop, ok := h.fs.props.Get(requestURL); ok && (prop.SizeKnown || prop.Exists == ExistNo) {
		return prop, nil
	}

	useHead := h.opts.UseHead && h.fs.flags.UseHead && !isSignedURL(requestURL)
	if useHead {
		effective, _ := h.fs.effectiveURL(requestURL)
		resp, err := h.fetchWithRetry(ctx, h.client(), "HEAD", effective, "")
		if err == nil {
			switch {
			case resp.status >= 200 && resp.status < 300:
				if cl := resp.header.Get("Content-Length"); cl != "" {
					size, perr := strconv.ParseUint(cl, 10, 64)
					if perr == nil {
						prop := FileProp{Exists: ExistYes, FileSize: size, SizeKnown: true}
						h.applyResponseProps(resp, &prop)
						h.fs.props.Put(requestURL, prop)
						h.fs.updateRedirectInfo(requestURL, resp.effectiveURL, resp.status, serverDate(resp.header))
						return prop, nil
					}
				}
				// No usable Content-Length: fall through to the GET probe.
			case resp.status == 404 || resp.status == 410:
				prop := FileProp{Exists: ExistNo, LastHttpStatus: resp.status}
				h.fs.props.Put(requestURL, prop)
				return prop, ErrObjectNotFound
			case resp.status == 405 || resp.status == 501:
				// HEAD not supported, retry as GET below.
			case resp.status == 401 || resp.status == 403:
				prop := FileProp{Exists: ExistNo, LastHttpStatus: resp.status}
				h.fs.props.Put(requestURL, prop)
				return prop, ErrInvalidCredentials
			}
		}
	}

	// GET emulation: fetch the first chunk and read the total size off
	// Content-Range.
	chunk := h.fs.regions.ChunkSize()
	body, err := h.downloadBlocks(ctx, 0, 1)
	if err != nil {
		prop, _ := h.fs.props.Get(requestURL)
		return prop, err
	}
	prop, _ := h.fs.props.Get(requestURL)
	if !prop.SizeKnown && len(body) < chunk {
		// Short first chunk of an unranged server: the body is the
		// whole file.
		prop.Exists = ExistYes
		prop.FileSize = uint64(len(body))
		prop.SizeKnown = true
		h.fs.props.Put(requestURL, prop)
	}
	return prop, nil
}
