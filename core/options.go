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
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gridscan/vsicurl/core/cfg"
)

// Prefix of every filename this filesystem accepts.
const FilenamePrefix = "/vsicurl"

// handleOptions is the per-open configuration extracted from the
// filename. The option-bearing form
// /vsicurl?url=<encoded>&max_retry=3&header.X-Foo=bar&... overrides
// the filesystem-wide defaults for one handle.
type handleOptions struct {
	URL string

	MaxRetry   int
	RetryDelay time.Duration
	RetryCodes string

	UseHead                             bool
	UseRedirectURLIfNoQueryStringParams bool
	ListDir                             bool
	EmptyDir                            bool

	PCURLSigning bool
	PCCollection string

	Headers http.Header

	// Transport-level options passed through as-is (useragent,
	// referer, cookie, proxy and friends).
	Transport map[string]string
}

// transportOptionKeys are forwarded to the transport layer without
// interpretation here.
var transportOptionKeys = map[string]bool{
	"useragent":       true,
	"referer":         true,
	"cookie":          true,
	"header_file":     true,
	"unsafessl":       true,
	"timeout":         true,
	"connecttimeout":  true,
	"low_speed_time":  true,
	"low_speed_limit": true,
	"proxy":           true,
	"proxyauth":       true,
	"proxyuserpwd":    true,
}

func parseFilename(filename string, flags *cfg.Config) (*handleOptions, error) {
	if !strings.HasPrefix(filename, FilenamePrefix+"/") &&
		!strings.HasPrefix(filename, FilenamePrefix+"?") {
		return nil, fmt.Errorf("filename %q does not start with %v/", filename, FilenamePrefix)
	}
	opts := &handleOptions{
		MaxRetry:   flags.MaxRetry,
		RetryDelay: flags.RetryDelay,
		RetryCodes: flags.RetryCodes,
		UseHead:    true,
		ListDir:    true,
		Headers:    make(http.Header),
		Transport:  make(map[string]string),
	}

	rest := filename[len(FilenamePrefix)+1:]
	if strings.HasPrefix(rest, "http://") || strings.HasPrefix(rest, "https://") ||
		strings.HasPrefix(rest, "ftp://") {
		opts.URL = rest
		return opts, nil
	}
	rest = strings.TrimPrefix(rest, "?")

	for _, token := range strings.Split(rest, "&") {
		unescaped, err := url.QueryUnescape(token)
		if err != nil {
			unescaped = token
		}
		eq := strings.IndexByte(unescaped, '=')
		if eq < 0 {
			continue
		}
		key, value := unescaped[:eq], unescaped[eq+1:]
		lkey := strings.ToLower(key)
		switch {
		case lkey == "url":
			opts.URL = value
		case lkey == "max_retry":
			if n, err := strconv.Atoi(value); err == nil {
				opts.MaxRetry = n
			}
		case lkey == "retry_delay":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				opts.RetryDelay = time.Duration(f * float64(time.Second))
			}
		case lkey == "retry_codes":
			opts.RetryCodes = value
		case lkey == "use_head":
			opts.UseHead = cfg.ParseBool(value)
		case lkey == "use_redirect_url_if_no_query_string_params":
			opts.UseRedirectURLIfNoQueryStringParams = cfg.ParseBool(value)
		case lkey == "list_dir":
			opts.ListDir = cfg.ParseBool(value)
		case lkey == "empty_dir":
			opts.EmptyDir = cfg.ParseBool(value)
		case lkey == "pc_url_signing":
			opts.PCURLSigning = cfg.ParseBool(value)
		case lkey == "pc_collection":
			opts.PCCollection = value
		case strings.HasPrefix(lkey, "header."):
			opts.Headers.Add(key[len("header."):], value)
		case transportOptionKeys[lkey]:
			opts.Transport[lkey] = value
		default:
			log.Warnf("Unsupported option: %v", key)
		}
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("missing url parameter in %q", filename)
	}
	return opts, nil
}
