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

package cfg

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	DefaultChunkSize = 16 * 1024
	MinChunkSize     = 1024
	MaxChunkSize     = 10 * 1024 * 1024

	// Default number of cached regions is chosen so that the region
	// cache holds about 16 MiB with the default chunk size.
	DefaultMaxRegions = 1000

	DefaultFilePropCacheSize = 100 * 1000
	DefaultDirCacheSize      = 1024
	DefaultDirCacheEntries   = 1024 * 1024

	DefaultAdviseReadBytesLimit = 100 * 1024 * 1024

	DefaultRetryDelay      = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// Multi-range download strategies.
const (
	MultiRangeParallel  = "PARALLEL"
	MultiRangeSerial    = "SERIAL"
	MultiRangeSingleGet = "SINGLE_GET"
)

// ReadDir-on-open behaviours.
const (
	ReaddirOnOpenNo       = "NO"
	ReaddirOnOpenYes      = "YES"
	ReaddirOnOpenEmptyDir = "EMPTY_DIR"
)

// Config carries every tunable of the remote range cache. A zero value
// is not usable; start from DefaultConfig.
type Config struct {
	// Region cache
	ChunkSize  int
	MaxRegions int

	// Metadata caches
	FilePropCacheSize int
	DirCacheSize      int
	DirCacheEntries   int

	// Metadata probing
	UseHead              bool
	DisableReaddirOnOpen string

	// Filtering
	NonCached            []string
	AllowedFilename      string
	AllowedExtensions    []string
	IgnoreStorageClasses []string

	// Multi-range and readahead
	MultiRangeStrategy     string
	MergeConsecutiveRanges bool
	AdviseReadBytesLimit   uint64

	// Redirects
	UseS3Redirect     bool
	HonorCacheControl bool

	// Retries
	MaxRetry   int
	RetryDelay time.Duration
	RetryCodes string

	// Transport
	Multiplex            bool
	MaxCachedConnections int
	ConnectTimeout       time.Duration
	Timeout              time.Duration
	UserAgent            string
	Proxy                string
	Insecure             bool

	// Logging
	LogFile string
}

func DefaultConfig() *Config {
	return &Config{
		ChunkSize:              DefaultChunkSize,
		MaxRegions:             DefaultMaxRegions,
		FilePropCacheSize:      DefaultFilePropCacheSize,
		DirCacheSize:           DefaultDirCacheSize,
		DirCacheEntries:        DefaultDirCacheEntries,
		UseHead:                true,
		DisableReaddirOnOpen:   ReaddirOnOpenNo,
		MultiRangeStrategy:     MultiRangeParallel,
		MergeConsecutiveRanges: true,
		AdviseReadBytesLimit:   DefaultAdviseReadBytesLimit,
		UseS3Redirect:          true,
		HonorCacheControl:      true,
		MaxRetry:               0,
		RetryDelay:             DefaultRetryDelay,
		Multiplex:              true,
		UserAgent:              "vsicurl",
	}
}

// LoadEnv overrides c from the process environment. The option names
// are kept compatible with the GDAL ones so existing deployment
// recipes keep working.
func (c *Config) LoadEnv() {
	if v := os.Getenv("CPL_VSIL_CURL_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkSize = n
		}
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		log.Warnf("Invalid chunk size %v, using default %v", c.ChunkSize, DefaultChunkSize)
		c.ChunkSize = DefaultChunkSize
	}
	if v := os.Getenv("CPL_VSIL_CURL_CACHE_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			c.MaxRegions = int((n + uint64(c.ChunkSize) - 1) / uint64(c.ChunkSize))
			if c.MaxRegions < 1 {
				c.MaxRegions = 1
			}
		}
	}
	c.clampCacheToRAM()

	if v := os.Getenv("CPL_VSIL_CURL_USE_HEAD"); v != "" {
		c.UseHead = ParseBool(v)
	}
	if v := os.Getenv("GDAL_DISABLE_READDIR_ON_OPEN"); v != "" {
		switch strings.ToUpper(v) {
		case ReaddirOnOpenYes, "TRUE", "ON":
			c.DisableReaddirOnOpen = ReaddirOnOpenYes
		case ReaddirOnOpenEmptyDir:
			c.DisableReaddirOnOpen = ReaddirOnOpenEmptyDir
		default:
			c.DisableReaddirOnOpen = ReaddirOnOpenNo
		}
	}
	if v := os.Getenv("CPL_VSIL_CURL_NON_CACHED"); v != "" {
		c.NonCached = strings.Split(v, ":")
	}
	if v := os.Getenv("CPL_VSIL_CURL_ALLOWED_FILENAME"); v != "" {
		c.AllowedFilename = v
	}
	if v := os.Getenv("CPL_VSIL_CURL_ALLOWED_EXTENSIONS"); v != "" {
		c.AllowedExtensions = splitList(v)
	}
	if v := os.Getenv("CPL_VSIL_CURL_IGNORE_STORAGE_CLASSES"); v != "" {
		c.IgnoreStorageClasses = splitList(v)
	}
	if v := os.Getenv("GDAL_HTTP_MULTIRANGE"); v != "" {
		switch strings.ToUpper(v) {
		case MultiRangeSerial, MultiRangeSingleGet, MultiRangeParallel:
			c.MultiRangeStrategy = strings.ToUpper(v)
		default:
			log.Warnf("Unknown GDAL_HTTP_MULTIRANGE value %v", v)
		}
	}
	if v := os.Getenv("GDAL_HTTP_MERGE_CONSECUTIVE_RANGES"); v != "" {
		c.MergeConsecutiveRanges = ParseBool(v)
	}
	if v := os.Getenv("GDAL_HTTP_MULTIPLEX"); v != "" {
		c.Multiplex = ParseBool(v)
	}
	if v := os.Getenv("GDAL_HTTP_MAX_CACHED_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxCachedConnections = n
		}
	}
	if v := os.Getenv("CPL_VSIL_CURL_ADVISE_READ_TOTAL_BYTES_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.AdviseReadBytesLimit = n
		}
	}
	if v := os.Getenv("CPL_VSIL_CURL_USE_S3_REDIRECT"); v != "" {
		c.UseS3Redirect = ParseBool(v)
	}
	if v := os.Getenv("CPL_VSIL_CURL_HONOR_CACHE_CONTROL"); v != "" {
		c.HonorCacheControl = ParseBool(v)
	}
	if v := os.Getenv("GDAL_HTTP_MAX_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetry = n
		}
	}
	if v := os.Getenv("GDAL_HTTP_RETRY_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RetryDelay = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("GDAL_HTTP_RETRY_CODES"); v != "" {
		c.RetryCodes = v
	}
	if v := os.Getenv("GDAL_HTTP_CONNECTTIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ConnectTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("GDAL_HTTP_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Timeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("GDAL_HTTP_USERAGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("GDAL_HTTP_PROXY"); v != "" {
		c.Proxy = v
	}
	if v := os.Getenv("GDAL_HTTP_UNSAFESSL"); v != "" {
		c.Insecure = ParseBool(v)
	}
}

// clampCacheToRAM keeps the region cache from being configured larger
// than physical memory.
func (c *Config) clampCacheToRAM() {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return
	}
	maxRegions := vm.Total / uint64(c.ChunkSize)
	if maxRegions < 1 {
		maxRegions = 1
	}
	if uint64(c.MaxRegions) > maxRegions {
		log.Warnf("Clamping region cache from %v to %v entries (physical RAM %v bytes)",
			c.MaxRegions, maxRegions, vm.Total)
		c.MaxRegions = int(maxRegions)
	}
}

func ParseBool(v string) bool {
	switch strings.ToUpper(v) {
	case "YES", "TRUE", "ON", "1":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
