// Package transaction implements the transaction engine of spec.md
// §4.8/§5 (C13): turning a solver.Solution into disk changes under a
// prefix, given a package cache and prefix data — plan printing,
// locking, download/verify/extract, topological ordering, link/unlink,
// and a History append, all in one Execute call.
package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/fetch"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/pkgcache"
	"github.com/AlexanderEkdahl/solvent/internal/prefixdata"
	"github.com/AlexanderEkdahl/solvent/internal/report"
	"github.com/AlexanderEkdahl/solvent/internal/solver"
)

const (
	prefixLockFileName   = ".solvent-prefix.lock"
	prefixLockBackoffMax = 60 * time.Second

	// Bounds for the downloader pool of spec.md §5: at most
	// maxDownloadsPerChannel concurrent archive transfers per
	// originating channel (standing in for "mirror", since an
	// archive's URL is already fully resolved against its channel's
	// base URL and never goes through a MirrorMap), and at most
	// maxDownloadsTotal concurrent transfers across all channels.
	maxDownloadsPerChannel = 5
	maxDownloadsTotal      = 30
)

// lockPrefix acquires an advisory lock scoped to prefix, using the same
// exponential-backoff policy as pkgcache.Cache.Lock (duplicated rather
// than shared, since Cache's lock is scoped to a package cache
// directory and carries cache-specific naming — see DESIGN.md). The
// returned function releases the lock.
func lockPrefix(prefix string) (func() error, error) {
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return nil, errtax.NewIo(prefix, err)
	}
	lock := flock.New(filepath.Join(prefix, prefixLockFileName))
	wait := 100 * time.Millisecond
	deadline := time.Now().Add(prefixLockBackoffMax)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, errtax.NewIo(prefix, err)
		}
		if ok {
			return lock.Unlock, nil
		}
		if time.Now().After(deadline) {
			return nil, errtax.NewLockTimeout(prefix)
		}
		time.Sleep(wait)
		if wait < 5*time.Second {
			wait *= 2
		}
	}
}

// Transaction materializes a solver.Solution onto a prefix.
type Transaction struct {
	Cache    *pkgcache.Cache
	Fetcher  *fetch.Fetcher
	Prefix   *prefixdata.PrefixData
	LinkMode LinkMode
	Sink     report.Sink
}

// New builds a Transaction. sink may be nil (silent reporting).
func New(cache *pkgcache.Cache, fetcher *fetch.Fetcher, prefix *prefixdata.PrefixData, mode LinkMode, sink report.Sink) *Transaction {
	if sink == nil {
		sink = report.Silent
	}
	return &Transaction{Cache: cache, Fetcher: fetcher, Prefix: prefix, LinkMode: mode, Sink: sink}
}

// Result reports what Execute actually did, for the caller's History
// entry and summary output.
type Result struct {
	Installed []matchspec.PackageInfo
	Removed   []matchspec.PackageInfo
	Failed    []matchspec.PackageInfo
}

// Execute runs the full spec.md §4.8 cycle: locks the cache and the
// prefix, ensures every install's archive is downloaded and extracted,
// computes a topological order (all removes before all installs;
// removes ordered dependents before their dependencies, installs
// dependencies before their dependents),
// executes removes then installs, and appends a History entry.
//
// A single package's link failure is fatal to the transaction and
// rolls back only that package's partial link state — packages already
// linked earlier in the same call are left in place, per spec.md §5's
// failure semantics.
func (t *Transaction) Execute(ctx context.Context, sol *solver.Solution, cmd string, specs []string) (*Result, error) {
	releaseCache, err := t.Cache.Lock()
	if err != nil {
		return nil, err
	}
	defer releaseCache()

	releasePrefix, err := lockPrefix(t.Prefix.Prefix)
	if err != nil {
		return nil, err
	}
	defer releasePrefix()

	var removals, installs []matchspec.PackageInfo
	for _, a := range sol.Actions {
		if a.Remove != nil {
			removals = append(removals, *a.Remove)
		}
		if a.Install != nil {
			installs = append(installs, *a.Install)
		}
	}
	removals = orderRemoves(removals)
	installs = orderInstalls(installs)

	if err := t.downloadAll(ctx, installs); err != nil {
		return nil, err
	}
	if err := t.extractAll(installs); err != nil {
		return nil, err
	}

	result := &Result{}

	for _, p := range removals {
		if err := t.unlinkOne(p); err != nil {
			return result, err
		}
		result.Removed = append(result.Removed, p)
	}

	for _, p := range installs {
		if err := t.linkOne(p); err != nil {
			result.Failed = append(result.Failed, p)
			return result, err
		}
		result.Installed = append(result.Installed, p)
	}

	entry := prefixdata.HistoryEntry{
		Date:         time.Now().Format("2006-01-02 15:04:05"),
		Cmd:          cmd,
		CondaVersion: "solvent",
		Update:       specs,
	}
	for _, p := range removals {
		entry.UnlinkDists = append(entry.UnlinkDists, distName(p))
	}
	for _, p := range installs {
		entry.LinkDists = append(entry.LinkDists, distName(p))
	}
	if err := prefixdata.NewHistory(t.Prefix.Prefix).AddEntry(entry); err != nil {
		return result, err
	}

	return result, nil
}

// downloadAll runs every install not already cached through the
// bounded downloader pool of spec.md §5: at most maxDownloadsPerChannel
// concurrent transfers per channel, at most maxDownloadsTotal overall.
// Each request is independent, so one package's download failure
// doesn't block the others from completing; the aggregated error
// (if any) still fails the whole transaction before extraction starts.
func (t *Transaction) downloadAll(ctx context.Context, installs []matchspec.PackageInfo) error {
	pending := make([]matchspec.PackageInfo, 0, len(installs))
	for _, p := range installs {
		if _, ok := t.Cache.Lookup(p); ok {
			continue
		}
		if _, err := os.Stat(t.Cache.ArchivePath(p)); err == nil {
			continue
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return nil
	}

	total := maxDownloadsTotal
	if total > len(pending) {
		total = len(pending)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(total)

	perChannel := make(map[string]*semaphore.Weighted, len(pending))
	for _, p := range pending {
		if _, ok := perChannel[p.ChannelID]; !ok {
			perChannel[p.ChannelID] = semaphore.NewWeighted(maxDownloadsPerChannel)
		}
	}

	errs := make([]error, len(pending))
	for i, p := range pending {
		i, p := i, p
		sem := perChannel[p.ChannelID]
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				errs[i] = errtax.Interrupted
				return nil
			}
			defer sem.Release(1)
			errs[i] = t.downloadOne(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return errtax.Aggregate(errs...)
}

// downloadOne fetches p's archive, retrying once with a cache-bypass
// (re-fetch ignoring any partial prior attempt) on failure before
// giving up, per spec.md §5's retry policy.
func (t *Transaction) downloadOne(ctx context.Context, p matchspec.PackageInfo) error {
	archivePath := t.Cache.ArchivePath(p)
	fetchOnce := func() error {
		// PackageURL is already the fully resolved archive URL (the
		// repository index loader resolves it against the channel base
		// URL); MirrorName carries the channel id purely to scope this
		// pool's per-mirror concurrency limit; Fetcher is expected to be
		// built with an empty passthrough mirror list for archive
		// downloads, so it still falls through to this absolute URL
		// unmodified.
		return t.Fetcher.Fetch(ctx, fetch.Request{
			Name:           p.Name,
			MirrorName:     p.ChannelID,
			URL:            p.PackageURL,
			TargetPath:     archivePath,
			ExpectedSize:   p.Size,
			ExpectedSHA256: p.SHA256,
			ExpectedMD5:    p.MD5,
		}, nil)
	}

	if err := fetchOnce(); err != nil {
		os.Remove(archivePath)
		return fetchOnce()
	}
	return nil
}

// extractAll unpacks every downloaded install not already present in
// the cache, bounded to the number of cores per spec.md §5's extractor
// pool. Extraction is CPU-bound (decompression) so, unlike the
// downloader pool, there's a single process-wide limit rather than a
// per-channel one.
func (t *Transaction) extractAll(installs []matchspec.PackageInfo) error {
	pending := make([]matchspec.PackageInfo, 0, len(installs))
	for _, p := range installs {
		if _, ok := t.Cache.Lookup(p); !ok {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	workers := runtime.NumCPU()
	if workers > len(pending) {
		workers = len(pending)
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)

	errs := make([]error, len(pending))
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			_, errs[i] = t.Cache.Extract(p)
			return nil
		})
	}
	_ = g.Wait()
	return errtax.Aggregate(errs...)
}

func (t *Transaction) linkOne(p matchspec.PackageInfo) error {
	extractedDir, ok := t.Cache.Lookup(p)
	if !ok {
		return errtax.NewCacheCorrupted(t.Cache.ExtractedPath(p), fmt.Errorf("package not extracted: %s", distName(p)))
	}
	linked, err := linkPackage(extractedDir, t.Prefix.Prefix, t.LinkMode)
	if err != nil {
		return err
	}
	if err := writeFileManifest(t.Prefix.Prefix, p, linked); err != nil {
		unlinkFiles(t.Prefix.Prefix, linked)
		return err
	}
	return t.Prefix.WriteRecord(p)
}

func (t *Transaction) unlinkOne(p matchspec.PackageInfo) error {
	files, err := readFileManifest(t.Prefix.Prefix, p)
	if err != nil {
		return err
	}
	if err := unlinkFiles(t.Prefix.Prefix, files); err != nil {
		return err
	}
	removeFileManifest(t.Prefix.Prefix, p)
	return t.Prefix.RemoveRecord(p.Name)
}

func distName(p matchspec.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version.String(), p.BuildString)
}
