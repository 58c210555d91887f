// Package fetch implements the HTTP fetcher and mirror map of spec.md
// §4.3 (C6): conditional GETs, per-mirror retry with exponential
// backoff and failover, checksum verification, and atomic writes.
package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AlexanderEkdahl/solvent/internal/auth"
	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/report"
)

// Default bounds for the downloader pool of spec.md §5: at most
// maxPerMirror concurrent transfers against any one mirror_name, and
// at most maxTotal concurrent transfers overall across all mirrors.
const (
	maxPerMirror = 5
	maxTotal     = 30
)

// Mirror is one candidate source URL prefix for a channel.
type Mirror struct {
	URL string
}

// MirrorMap resolves a mirror_name to an ordered candidate list,
// falling back to a passthrough default (spec.md §4.3: "the map is
// {channel_id -> Mirror[]} with a passthrough default").
type MirrorMap struct {
	byChannel   map[string][]Mirror
	passthrough []Mirror
}

// NewMirrorMap builds a MirrorMap. passthrough is used for any
// channel id with no dedicated entry in byChannel.
func NewMirrorMap(byChannel map[string][]Mirror, passthrough []Mirror) *MirrorMap {
	if byChannel == nil {
		byChannel = map[string][]Mirror{}
	}
	return &MirrorMap{byChannel: byChannel, passthrough: passthrough}
}

// ForChannel returns the mirrors configured for channelID, or the
// passthrough default when none are configured.
func (m *MirrorMap) ForChannel(channelID string) []Mirror {
	if mirrors, ok := m.byChannel[channelID]; ok && len(mirrors) > 0 {
		return mirrors
	}
	return m.passthrough
}

// CacheMetadata is the subset of a cached response's headers needed
// to make a conditional GET.
type CacheMetadata struct {
	ETag         string
	LastModified string
}

// Request describes one file to fetch, per spec.md §4.3.
type Request struct {
	Name           string
	MirrorName     string
	URL            string
	TargetPath     string
	ExpectedSize   int64 // 0 means unchecked
	ExpectedSHA256 string
	ExpectedMD5    string
	Prior          CacheMetadata
	OnSuccess      func(Result)
	OnFailure      func(error)
}

// Result is what a successful fetch reports.
type Result struct {
	Path         string
	NotModified  bool
	ETag         string
	LastModified string
}

// Fetcher issues conditional, retried, checksum-verified downloads,
// trying each of a channel's mirrors in turn.
type Fetcher struct {
	client  *retryablehttp.Client
	mirrors *MirrorMap
	creds   *auth.Store
	sink    report.Sink
}

// New builds a Fetcher. creds and sink may be nil (no credentials,
// silent reporting, respectively).
func New(mirrors *MirrorMap, creds *auth.Store, sink report.Sink) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 5
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	if sink == nil {
		sink = report.Silent
	}
	return &Fetcher{client: client, mirrors: mirrors, creds: creds, sink: sink}
}

// Fetch resolves req.MirrorName to a mirror list (falling back to
// req.URL alone when nothing is configured) and tries each candidate
// in order until one succeeds or all fail. cancel is polled at
// transfer boundaries: once closed, Fetch returns errtax.Interrupted
// immediately, without retrying or trying further mirrors, per
// spec.md §4.3 ("a distinguished error kind that callers propagate
// without retry").
func (f *Fetcher) Fetch(ctx context.Context, req Request, cancel <-chan struct{}) error {
	candidates := f.candidateURLs(req)
	var lastErr error
	for _, rawURL := range candidates {
		if cancelled(cancel) {
			return f.fail(req, errtax.Interrupted)
		}

		result, err := f.fetchOne(ctx, req, rawURL, cancel)
		if err == nil {
			if req.OnSuccess != nil {
				req.OnSuccess(result)
			}
			return nil
		}
		if isInterrupted(err) {
			return f.fail(req, err)
		}
		lastErr = err
		f.sink.Warnf("%s: mirror %s failed, trying next: %v", req.Name, rawURL, err)
	}
	if lastErr == nil {
		lastErr = errtax.NewNetwork(req.URL, 0, fmt.Errorf("no mirrors configured for %q", req.MirrorName))
	}
	return f.fail(req, lastErr)
}

// FetchAll runs reqs through the bounded downloader pool of spec.md
// §5: each request is independent, at most maxPerMirror run
// concurrently against the same req.MirrorName, and at most maxTotal
// run concurrently overall. It mirrors the errgroup+semaphore pool
// repodata.DownloadRequiredIndexes uses for subdir loaders, collecting
// one error per request rather than short-circuiting on the first
// failure. cancel is shared across every request, same as Fetch.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request, cancel <-chan struct{}) error {
	if len(reqs) == 0 {
		return nil
	}

	total := maxTotal
	if total > len(reqs) {
		total = len(reqs)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(total)

	perMirror := make(map[string]*semaphore.Weighted, len(reqs))
	for _, req := range reqs {
		if _, ok := perMirror[req.MirrorName]; !ok {
			perMirror[req.MirrorName] = semaphore.NewWeighted(maxPerMirror)
		}
	}

	errs := make([]error, len(reqs))
	for i, req := range reqs {
		i, req := i, req
		sem := perMirror[req.MirrorName]
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				errs[i] = errtax.Interrupted
				return nil
			}
			defer sem.Release(1)
			errs[i] = f.Fetch(gctx, req, cancel)
			return nil
		})
	}
	_ = g.Wait()
	return errtax.Aggregate(errs...)
}

func (f *Fetcher) fail(req Request, err error) error {
	if req.OnFailure != nil {
		req.OnFailure(err)
	}
	return err
}

func (f *Fetcher) candidateURLs(req Request) []string {
	mirrors := f.mirrors.ForChannel(req.MirrorName)
	if len(mirrors) == 0 {
		return []string{req.URL}
	}
	urls := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		urls = append(urls, m.URL+req.URL)
	}
	return urls
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func isInterrupted(err error) bool {
	e, ok := err.(*errtax.Error)
	return ok && e.Kind == errtax.UserInterrupted
}

func (f *Fetcher) fetchOne(ctx context.Context, req Request, rawURL string, cancel <-chan struct{}) (Result, error) {
	fetchURL := rawURL
	if f.creds != nil {
		if cred, ok := f.creds.FindCompatible(rawURL); ok {
			applied, err := auth.Apply(rawURL, cred)
			if err == nil {
				fetchURL = applied
			}
		}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return Result{}, errtax.NewNetwork(rawURL, 0, err)
	}
	if req.Prior.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.Prior.ETag)
	}
	if req.Prior.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.Prior.LastModified)
	}
	if f.creds != nil {
		if cred, ok := f.creds.FindCompatible(rawURL); ok {
			if name, value := auth.HeaderFor(cred); name != "" {
				httpReq.Header.Set(name, value)
			}
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Result{}, errtax.NewNetwork(rawURL, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return Result{Path: req.TargetPath, NotModified: true,
			ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}, nil
	case http.StatusOK:
		// continue
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Result{}, errtax.NewNetwork(rawURL, resp.StatusCode, fmt.Errorf("permanent failure"))
	default:
		return Result{}, errtax.NewNetwork(rawURL, resp.StatusCode, fmt.Errorf("unexpected status"))
	}

	if cancelled(cancel) {
		return Result{}, errtax.Interrupted
	}

	return f.writeVerified(req, rawURL, resp)
}

func (f *Fetcher) writeVerified(req Request, rawURL string, resp *http.Response) (Result, error) {
	partPath := req.TargetPath + ".part"
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, errtax.NewIo(partPath, err)
	}
	defer os.Remove(partPath)

	var hashers []hash.Hash
	var sha256Sum, md5Sum hash.Hash
	if req.ExpectedSHA256 != "" {
		sha256Sum = sha256.New()
		hashers = append(hashers, sha256Sum)
	}
	if req.ExpectedMD5 != "" {
		md5Sum = md5.New()
		hashers = append(hashers, md5Sum)
	}

	var writers []io.Writer
	writers = append(writers, file)
	for _, h := range hashers {
		writers = append(writers, h)
	}

	progress := f.sink.Progress(req.Name, resp.ContentLength)
	defer progress.Done()

	written, err := io.Copy(io.MultiWriter(writers...), countingReader{resp.Body, progress})
	if err != nil {
		file.Close()
		return Result{}, errtax.NewNetwork(rawURL, 0, err)
	}

	if req.ExpectedSize > 0 && written != req.ExpectedSize {
		file.Close()
		return Result{}, errtax.NewNetwork(rawURL, 0,
			fmt.Errorf("size mismatch: got %d bytes, expected %d", written, req.ExpectedSize))
	}
	if sha256Sum != nil {
		got := hex.EncodeToString(sha256Sum.Sum(nil))
		if got != req.ExpectedSHA256 {
			file.Close()
			return Result{}, errtax.NewCacheCorrupted(partPath, fmt.Errorf("sha256 mismatch: got %s, expected %s", got, req.ExpectedSHA256))
		}
	}
	if md5Sum != nil {
		got := hex.EncodeToString(md5Sum.Sum(nil))
		if got != req.ExpectedMD5 {
			file.Close()
			return Result{}, errtax.NewCacheCorrupted(partPath, fmt.Errorf("md5 mismatch: got %s, expected %s", got, req.ExpectedMD5))
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return Result{}, errtax.NewIo(partPath, err)
	}
	if err := file.Close(); err != nil {
		return Result{}, errtax.NewIo(partPath, err)
	}
	if err := os.Rename(partPath, req.TargetPath); err != nil {
		return Result{}, errtax.NewIo(req.TargetPath, err)
	}

	return Result{
		Path:         req.TargetPath,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// countingReader advances a ProgressBar as bytes are read, without
// otherwise altering the stream.
type countingReader struct {
	r        io.Reader
	progress report.ProgressBar
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.progress.Add(int64(n))
	}
	return n, err
}
