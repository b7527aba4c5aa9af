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
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gridscan/vsicurl/core/cfg"
)

type timeoutDialer struct {
	timeout time.Duration
}

func (d *timeoutDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	return nd.DialContext(ctx, network, addr)
}

// RequestSigner is the interface consumed from the authentication
// collaborator. SignRequest is called once per request before
// dispatch; RefreshCredentials is called on 401/403 and reports
// whether a retry with fresh credentials is worthwhile.
type RequestSigner interface {
	SignRequest(req *http.Request) error
	RefreshCredentials() bool
}

// ListEntry is one file surfaced by the listing collaborator,
// including whatever metadata the listing format carried.
type ListEntry struct {
	Name  string
	Size  uint64
	MTime time.Time
	Mode  uint16
	IsDir bool
}

// DirLister is the interface consumed from the listing collaborator.
// Parsing of server-flavoured listing formats (Apache indexes, S3
// ListBucketResult, FTP LIST) stays behind it.
type DirLister interface {
	List(ctx context.Context, dirURL string, maxFiles int) ([]ListEntry, bool, error)
}

// Stat flags.
const (
	// StatCacheOnly restricts Stat to the property cache; no network.
	StatCacheOnly = 1 << iota
)

// FileSystem owns the four shared stores and the HTTP transport, and
// hands out FileHandles for /vsicurl/ filenames. Handles must be
// closed before the filesystem is discarded.
type FileSystem struct {
	flags   *cfg.Config
	regions *RegionCache
	props   *FilePropCache
	dirs    *DirCache
	dl      downloadGroup
	client  *http.Client
	pc      *pcSigner

	// Collaborators, optional. Set before the first operation.
	Signer RequestSigner
	Lister DirLister

	now func() time.Time
}

func NewFileSystem(flags *cfg.Config) *FileSystem {
	fs := &FileSystem{
		flags:   flags,
		regions: NewRegionCache(flags.MaxRegions, flags.ChunkSize),
		props:   NewFilePropCache(flags.FilePropCacheSize),
		now:     time.Now,
	}
	fs.dirs = NewDirCache(flags.DirCacheSize, flags.DirCacheEntries, fs.props)
	fs.client = fs.newHTTPClient()
	fs.pc = newPCSigner(fs.client, func() time.Time { return fs.now() })
	return fs
}

// newHTTPClient builds a client from the transport tunables. The
// advise-read worker gets its own so its transfers don't compete for
// the shared connection pool.
func (fs *FileSystem) newHTTPClient() *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2: fs.flags.Multiplex,
		Proxy:             http.ProxyFromEnvironment,
	}
	if fs.flags.MaxCachedConnections > 0 {
		transport.MaxIdleConns = fs.flags.MaxCachedConnections
		transport.MaxIdleConnsPerHost = fs.flags.MaxCachedConnections
	}
	if fs.flags.Proxy != "" {
		if proxyURL, err := url.Parse(fs.flags.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	if fs.flags.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if fs.flags.ConnectTimeout > 0 {
		dialer := &timeoutDialer{timeout: fs.flags.ConnectTimeout}
		transport.DialContext = dialer.DialContext
	}
	// Note: the Go transport already strips Authorization and Cookie
	// headers when following a redirect to a different host, which is
	// the credential-leak protection the redirect design calls for.
	return &http.Client{
		Transport: transport,
		Timeout:   fs.flags.Timeout,
	}
}

// InvalidateCachedData drops every cache entry whose URL starts with
// prefix. Subsequent reads re-fetch from the network.
func (fs *FileSystem) InvalidateCachedData(prefix string) {
	fs.regions.InvalidatePrefix(prefix)
	fs.props.InvalidatePrefix(prefix)
	fs.dirs.InvalidatePrefix(prefix)
}

// ClearCache drops everything.
func (fs *FileSystem) ClearCache() {
	fs.regions.Clear()
	fs.props.Clear()
	fs.dirs.Clear()
}

// BumpAuthGeneration is the signal that authentication parameters
// changed. Negative cache entries stamped with an older generation are
// retried on their next access.
func (fs *FileSystem) BumpAuthGeneration() {
	fs.props.BumpAuthGeneration()
}

// Open opens a /vsicurl/ filename for reading.
func (fs *FileSystem) Open(filename string) (*FileHandle, error) {
	opts, err := parseFilename(filename, fs.flags)
	if err != nil {
		return nil, err
	}
	if !fs.filenameAllowed(opts.URL) {
		return nil, ErrObjectNotFound
	}

	if opts.EmptyDir || fs.flags.DisableReaddirOnOpen == cfg.ReaddirOnOpenEmptyDir {
		// Claim the parent is empty so nothing ever lists it.
		fs.dirs.Put(parentURL(opts.URL), DirList{Entries: []string{"."}, GotFullList: true})
	} else if opts.ListDir && fs.flags.DisableReaddirOnOpen == cfg.ReaddirOnOpenNo &&
		fs.Lister != nil && !strings.Contains(opts.URL, "?") {
		if err := fs.checkDirListing(opts.URL); err != nil {
			return nil, err
		}
	}

	h := fs.newHandle(filename, opts)
	return h, nil
}

func (fs *FileSystem) newHandle(filename string, opts *handleOptions) *FileHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &FileHandle{
		fs:                   fs,
		url:                  opts.URL,
		filename:             filename,
		opts:                 opts,
		retry:                NewRetryPolicy(opts.MaxRetry, opts.RetryDelay, opts.RetryCodes),
		blocksToDownload:     1,
		lastDownloadedOffset: noLastDownload,
		interruptCtx:         ctx,
		interruptCancel:      cancel,
	}
	if fs.Signer != nil {
		h.retry.AuthRefresh = func() bool {
			if fs.Signer.RefreshCredentials() {
				fs.BumpAuthGeneration()
				return true
			}
			return false
		}
	}
	if fs.isNonCached(opts.URL) {
		h.noCache.Store(true)
	}
	return h
}

// checkDirListing lists the parent directory and short-circuits to
// "not found" when a full listing does not contain the filename. A
// case-insensitive second chance covers servers that normalize case.
func (fs *FileSystem) checkDirListing(rawURL string) error {
	dir := parentURL(rawURL)
	if dir == rawURL {
		return nil
	}
	list, err := fs.readDirInternal(dir)
	if err != nil {
		// Listing failures never fail the open; the handle probes the
		// URL directly.
		return nil
	}
	if !list.GotFullList {
		return nil
	}
	name := path.Base(urlPath(rawURL))
	lower := strings.ToLower(name)
	for _, entry := range list.Entries {
		if entry == name || strings.ToLower(entry) == lower {
			return nil
		}
	}
	prop := FileProp{Exists: ExistNo}
	fs.props.Put(rawURL, prop)
	return ErrObjectNotFound
}

func (fs *FileSystem) isNonCached(rawURL string) bool {
	for _, prefix := range fs.flags.NonCached {
		if prefix != "" && strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

func (fs *FileSystem) filenameAllowed(rawURL string) bool {
	if fs.flags.AllowedFilename != "" {
		return rawURL == fs.flags.AllowedFilename
	}
	if len(fs.flags.AllowedExtensions) > 0 {
		p := urlPath(rawURL)
		for _, ext := range fs.flags.AllowedExtensions {
			if strings.HasSuffix(p, ext) {
				return true
			}
		}
		return false
	}
	return true
}

// FileStat is the os.FileInfo returned by Stat.
type FileStat struct {
	name string
	prop FileProp
}

func (s *FileStat) Name() string { return s.name }
func (s *FileStat) Size() int64  { return int64(s.prop.FileSize) }
func (s *FileStat) Mode() os.FileMode {
	mode := os.FileMode(s.prop.Mode)
	if mode == 0 {
		mode = 0644
	}
	if s.prop.IsDirectory {
		mode |= os.ModeDir
	}
	return mode
}
func (s *FileStat) ModTime() time.Time { return time.Unix(s.prop.MTime, 0) }
func (s *FileStat) IsDir() bool        { return s.prop.IsDirectory }
func (s *FileStat) Sys() interface{}   { return s.prop }

// Stat returns the metadata of a /vsicurl/ filename. With
// StatCacheOnly only the property cache is consulted.
func (fs *FileSystem) Stat(filename string, flags int) (os.FileInfo, error) {
	opts, err := parseFilename(filename, fs.flags)
	if err != nil {
		return nil, err
	}
	name := path.Base(urlPath(opts.URL))

	if prop, ok := fs.props.Get(opts.URL); ok && (prop.SizeKnown || prop.Exists != ExistUnknown) {
		if prop.Exists == ExistNo {
			return nil, ErrObjectNotFound
		}
		return &FileStat{name: name, prop: prop}, nil
	}
	if flags&StatCacheOnly != 0 {
		return nil, ErrObjectNotFound
	}

	// A trailing slash names a directory; try a listing first.
	if strings.HasSuffix(opts.URL, "/") && fs.Lister != nil {
		if _, err := fs.ReadDir(filename); err == nil {
			prop := FileProp{Exists: ExistYes, IsDirectory: true}
			fs.props.Put(opts.URL, prop)
			return &FileStat{name: name, prop: prop}, nil
		}
	}

	h := fs.newHandle(filename, opts)
	defer h.Close()
	prop, err := h.establishSize(h.interruptCtx)
	if err != nil {
		return nil, err
	}
	if prop.Exists == ExistNo {
		return nil, ErrObjectNotFound
	}
	return &FileStat{name: name, prop: prop}, nil
}

// ReadDir lists a /vsicurl/ directory via the listing collaborator,
// caching both the listing and the per-entry file properties so
// subsequent Stat calls stay local.
func (fs *FileSystem) ReadDir(filename string) ([]string, error) {
	opts, err := parseFilename(filename, fs.flags)
	if err != nil {
		return nil, err
	}
	list, err := fs.readDirInternal(strings.TrimSuffix(opts.URL, "/"))
	if err != nil {
		return nil, err
	}
	if len(list.Entries) == 1 && list.Entries[0] == "." {
		return nil, nil
	}
	return list.Entries, nil
}

func (fs *FileSystem) readDirInternal(dirURL string) (DirList, error) {
	if list, ok := fs.dirs.Get(dirURL); ok {
		return list, nil
	}
	if fs.Lister == nil {
		return DirList{}, ErrObjectNotFound
	}
	entries, gotFullList, err := fs.Lister.List(context.Background(), dirURL, 0)
	if err != nil {
		return DirList{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
		prop := FileProp{
			Exists:      ExistYes,
			IsDirectory: e.IsDir,
			FileSize:    e.Size,
			SizeKnown:   !e.IsDir,
			Mode:        e.Mode,
			MTime:       e.MTime.Unix(),
		}
		if e.MTime.IsZero() {
			prop.MTime = 0
		}
		fs.props.Put(dirURL+"/"+e.Name, prop)
	}
	if len(names) == 0 {
		names = []string{"."}
	}
	list := DirList{Entries: names, GotFullList: gotFullList}
	fs.dirs.Put(dirURL, list)
	return list, nil
}

// Unlink never deletes anything remote; it only drops local cache
// state for the URL so a later open re-probes it.
func (fs *FileSystem) Unlink(filename string) error {
	opts, err := parseFilename(filename, fs.flags)
	if err != nil {
		return err
	}
	fs.InvalidateCachedData(opts.URL)
	return nil
}

func parentURL(rawURL string) string {
	slash := strings.LastIndexByte(strings.TrimSuffix(rawURL, "/"), '/')
	if slash <= len("https://") {
		return rawURL
	}
	return rawURL[:slash]
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	return rawURL
}
