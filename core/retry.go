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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gridscan/vsicurl/core/cfg"
)

var retryLog = cfg.GetLogger("retry")

// RetryPolicy is the per-path retry configuration: how many times a
// failed request may be re-issued, the exponential delay between
// attempts, and which status codes are considered transient.
type RetryPolicy struct {
	MaxRetry     int
	InitialDelay time.Duration
	Multiplier   float64
	RetryAll     bool
	Codes        map[int]bool

	// AuthRefresh is called on 401/403. When it reports success the
	// request is re-issued without consuming a retry slot.
	AuthRefresh func() bool
}

var defaultRetryCodes = []int{429, 500, 502, 503, 504}

func NewRetryPolicy(maxRetry int, initialDelay time.Duration, retryCodes string) *RetryPolicy {
	p := &RetryPolicy{
		MaxRetry:     maxRetry,
		InitialDelay: initialDelay,
		Multiplier:   cfg.DefaultRetryMultiplier,
		Codes:        make(map[int]bool),
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = cfg.DefaultRetryDelay
	}
	for _, code := range defaultRetryCodes {
		p.Codes[code] = true
	}
	if retryCodes != "" {
		if strings.EqualFold(retryCodes, "ALL") {
			p.RetryAll = true
		} else {
			p.Codes = make(map[int]bool)
			for _, tok := range strings.Split(retryCodes, ",") {
				if code, err := strconv.Atoi(strings.TrimSpace(tok)); err == nil {
					p.Codes[code] = true
				} else {
					retryLog.Warnf("Ignoring invalid retry code %q", tok)
				}
			}
		}
	}
	return p
}

// CanRetry reports whether a request that ended with the given status
// (0 for transport-level failures) may be re-issued. A non-empty
// transport error message is always considered transient, matching the
// behaviour of curl-style error strings.
func (p *RetryPolicy) CanRetry(status int, transportErrMsg string) bool {
	if status == 0 && transportErrMsg != "" {
		return true
	}
	if p.RetryAll && status >= 400 {
		return true
	}
	return p.Codes[status]
}

// retryContext is the state of one request's retry loop. The delay
// grows as InitialDelay * Multiplier^attempt, with no jitter, capped
// at an hour.
type retryContext struct {
	policy  *RetryPolicy
	bo      *backoff.ExponentialBackOff
	attempt int
}

func (p *RetryPolicy) NewContext() *retryContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &retryContext{policy: p, bo: bo}
}

// CurrentDelay returns the delay to sleep before the next attempt and
// advances the backoff.
func (rc *retryContext) CurrentDelay() time.Duration {
	d := rc.bo.NextBackOff()
	if d == backoff.Stop {
		d = time.Hour
	}
	return d
}

// Attempt consumes one retry slot. Returns false when the budget is
// exhausted.
func (rc *retryContext) Attempt() bool {
	if rc.attempt >= rc.policy.MaxRetry {
		return false
	}
	rc.attempt++
	return true
}
