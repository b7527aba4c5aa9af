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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridscan/vsicurl/core/cfg"
)

var redirectLog = cfg.GetLogger("redirect")

// isSignedURL recognizes S3-like presigned URLs: a Signature query
// parameter on a known storage/CDN host, or an X-Amz-Signature
// parameter anywhere.
func isSignedURL(rawURL string) bool {
	if strings.Contains(rawURL, "&X-Amz-Signature=") || strings.Contains(rawURL, "?X-Amz-Signature=") {
		return true
	}
	if !strings.Contains(rawURL, "&Signature=") && !strings.Contains(rawURL, "?Signature=") {
		return false
	}
	for _, host := range []string{".s3.amazonaws.com/", ".s3.amazonaws.com:",
		".storage.googleapis.com/", ".storage.googleapis.com:",
		".cloudfront.net/", ".cloudfront.net:"} {
		if strings.Contains(rawURL, host) {
			return true
		}
	}
	return false
}

// signedURLExpiry extracts the absolute Unix expiration timestamp of a
// presigned URL: either Expires= (already a timestamp), or
// X-Amz-Date= (ISO basic format) plus X-Amz-Expires= (a delay in
// seconds). Returns 0 when no expiration can be determined.
func signedURLExpiry(rawURL string) int64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	q := u.Query()
	if v := q.Get("Expires"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ts
		}
	}
	amzExpires := q.Get("X-Amz-Expires")
	amzDate := q.Get("X-Amz-Date")
	if amzExpires != "" && amzDate != "" {
		delay, err := strconv.ParseInt(amzExpires, 10, 64)
		if err != nil {
			return 0
		}
		t, err := time.Parse("20060102T150405Z", amzDate)
		if err != nil {
			return 0
		}
		return t.Unix() + delay
	}
	return 0
}

// effectiveURL returns the URL to issue the next request against,
// honoring a cached unexpired redirect. The second result reports that
// a cached redirect just expired, in which case it has been dropped
// from the property cache and the caller should use the original URL.
func (fs *FileSystem) effectiveURL(rawURL string) (string, bool) {
	prop, ok := fs.props.Get(rawURL)
	if !ok || prop.RedirectURL == "" {
		return rawURL, false
	}
	if fs.now().Unix() >= prop.RedirectExpiresAtLocal {
		redirectLog.Debugf("Cached redirect for %v expired", rawURL)
		prop.RedirectURL = ""
		prop.RedirectExpiresAtLocal = 0
		fs.props.Put(rawURL, prop)
		return rawURL, true
	}
	return prop.RedirectURL, false
}

// updateRedirectInfo caches a signed effective URL observed after
// server-side redirects, together with a local-clock expiration, so
// later requests skip the redirect roundtrip.
func (fs *FileSystem) updateRedirectInfo(requestURL, effective string, status int, serverDate time.Time) {
	if !fs.flags.UseS3Redirect {
		return
	}
	if effective == "" || strings.Contains(effective, requestURL) || status < 200 || status >= 300 {
		return
	}
	if !isSignedURL(effective) || isSignedURL(requestURL) {
		return
	}
	if serverDate.IsZero() {
		return
	}
	expiry := signedURLExpiry(effective)
	if expiry <= serverDate.Unix()+10 {
		return
	}
	// The local clock may not agree with the server clock; convert the
	// validity window to local time.
	validity := expiry - serverDate.Unix()
	prop, _ := fs.props.Get(requestURL)
	prop.RedirectURL = effective
	prop.RedirectExpiresAtLocal = fs.now().Unix() + validity
	fs.props.Put(requestURL, prop)
	redirectLog.Debugf("Will use redirect URL for the next %v seconds", validity)
}

// Planetary Computer SAS signing. A short-lived token is obtained from
// the signing endpoint per collection (or per URL) and appended to the
// effective URL as its query string.

const pcTokenEndpoint = "https://planetarycomputer.microsoft.com/api/sas/v1/token/"

// Renew tokens one minute before they actually expire.
const pcExpiryMargin = 60 * time.Second

type pcToken struct {
	token   string
	expires time.Time
}

type pcSigner struct {
	mu     sync.Mutex
	tokens map[string]pcToken

	endpoint string
	client   *http.Client
	now      func() time.Time
}

func newPCSigner(client *http.Client, now func() time.Time) *pcSigner {
	return &pcSigner{
		tokens:   make(map[string]pcToken),
		endpoint: pcTokenEndpoint,
		client:   client,
		now:      now,
	}
}

type pcTokenResponse struct {
	Expiry string `json:"msft:expiry"`
	Token  string `json:"token"`
}

// Sign appends a SAS token for the collection to rawURL. When
// collection is empty, the whole URL is posted to the signing endpoint
// instead.
func (s *pcSigner) Sign(rawURL, collection string) (string, error) {
	key := collection
	if key == "" {
		key = rawURL
	}
	s.mu.Lock()
	cached, ok := s.tokens[key]
	s.mu.Unlock()
	if !ok || s.now().Add(pcExpiryMargin).After(cached.expires) {
		var endpoint string
		if collection != "" {
			endpoint = s.endpoint + collection
		} else {
			endpoint = s.endpoint + "?href=" + url.QueryEscape(rawURL)
		}
		resp, err := s.client.Get(endpoint)
		if err != nil {
			return "", &TransportError{Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			return "", mapHttpError(resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", &TransportError{Err: err}
		}
		var tr pcTokenResponse
		if err := json.Unmarshal(body, &tr); err != nil || tr.Token == "" {
			return "", fmt.Errorf("cannot parse SAS token response: %v", err)
		}
		expires, err := time.Parse("2006-01-02T15:04:05Z", tr.Expiry)
		if err != nil {
			// Some responses carry fractional seconds.
			expires, err = time.Parse(time.RFC3339, tr.Expiry)
			if err != nil {
				return "", fmt.Errorf("cannot parse SAS token expiry %q", tr.Expiry)
			}
		}
		cached = pcToken{token: tr.Token, expires: expires}
		s.mu.Lock()
		s.tokens[key] = cached
		s.mu.Unlock()
		redirectLog.Debugf("Got SAS token for %v valid until %v", key, expires)
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + cached.token, nil
}
