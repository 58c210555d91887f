// Package repodata implements the subdir index loader of spec.md §4.4
// (C8): the New → Probe → Ready state machine, traditional and
// sharded fetch modes, the JSON/native serialization tiers, and the
// bounded pool that downloads every required subdir before the driver
// is allowed to proceed to solving.
package repodata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/AlexanderEkdahl/solvent/internal/auth"
	"github.com/AlexanderEkdahl/solvent/internal/channel"
	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/fetch"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/report"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// State is a loader's position in the state machine of spec.md §4.4.
type State int

const (
	New State = iota
	Probing
	Ready
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Ready:
		return "ready"
	default:
		return "new"
	}
}

// StateFile is the auxiliary "<url-hash>.state.json" cache metadata
// spec.md §4.4/§6.1 names.
type StateFile struct {
	URL          string `json:"url"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
	Size         int64  `json:"size"`
	Mtime        int64  `json:"mtime"`
	HasZst       bool   `json:"has_zst"`
	HasShards    bool   `json:"has_shards"`
}

// Params configures every loader built in one download_required_indexes
// call. Roots is the solver's requested package-name frontier, used
// only by sharded mode (spec.md §4.4 step 2: "Starting from roots ∪
// {pip if python ∈ roots}...").
type Params struct {
	TTL       time.Duration // 0 means always refetch
	Offline   bool
	UseShards bool
	Roots     []string
}

// DownloadOptions bounds the loader pool's concurrency.
type DownloadOptions struct {
	Concurrency int
}

type rawRecord struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	BuildString   string          `json:"build"`
	BuildNumber   uint64          `json:"build_number"`
	Depends       []string        `json:"depends,omitempty"`
	Constrains    []string        `json:"constrains,omitempty"`
	TrackFeatures []string        `json:"track_features,omitempty"`
	Noarch        json.RawMessage `json:"noarch,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	Size          int64           `json:"size,omitempty"`
	MD5           string          `json:"md5,omitempty"`
	SHA256        string          `json:"sha256,omitempty"`
	License       string          `json:"license,omitempty"`
}

type repodataJSON struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages      map[string]rawRecord `json:"packages,omitempty"`
	PackagesConda map[string]rawRecord `json:"packages.conda,omitempty"`
}

// parseNoarch decodes the legacy boolean form (true == generic) and
// the current string form ("python"/"generic") of the "noarch" field.
func parseNoarch(raw json.RawMessage) matchspec.Noarch {
	if len(raw) == 0 {
		return matchspec.NoarchNo
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return matchspec.NoarchGeneric
		}
		return matchspec.NoarchNo
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "python":
			return matchspec.NoarchPython
		case "generic":
			return matchspec.NoarchGeneric
		}
	}
	return matchspec.NoarchNo
}

func noarchRaw(n matchspec.Noarch) json.RawMessage {
	switch n {
	case matchspec.NoarchGeneric:
		return json.RawMessage(`"generic"`)
	case matchspec.NoarchPython:
		return json.RawMessage(`"python"`)
	default:
		return nil
	}
}

func toPackageInfo(filename string, r rawRecord, channelID, subdir string) matchspec.PackageInfo {
	v, _ := version.Parse(r.Version)
	return matchspec.PackageInfo{
		Name: r.Name, Version: v, BuildString: r.BuildString, BuildNumber: r.BuildNumber,
		ChannelID: channelID, Platform: subdir,
		Depends: r.Depends, Constrains: r.Constrains, TrackFeatures: r.TrackFeatures,
		Noarch: parseNoarch(r.Noarch), Timestamp: r.Timestamp, Size: r.Size,
		MD5: r.MD5, SHA256: r.SHA256, Filename: filename, License: r.License,
	}
}

func fromPackageInfo(p matchspec.PackageInfo) rawRecord {
	return rawRecord{
		Name: p.Name, Version: p.Version.String(), BuildString: p.BuildString, BuildNumber: p.BuildNumber,
		Depends: p.Depends, Constrains: p.Constrains, TrackFeatures: p.TrackFeatures,
		Noarch: noarchRaw(p.Noarch), Timestamp: p.Timestamp, Size: p.Size,
		MD5: p.MD5, SHA256: p.SHA256, License: p.License,
	}
}

func parseRepodataJSON(data []byte, channelID string) ([]matchspec.PackageInfo, error) {
	var doc repodataJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var out []matchspec.PackageInfo
	for filename, r := range doc.Packages {
		out = append(out, toPackageInfo(filename, r, channelID, doc.Info.Subdir))
	}
	for filename, r := range doc.PackagesConda {
		out = append(out, toPackageInfo(filename, r, channelID, doc.Info.Subdir))
	}
	return out, nil
}

// ParseJSON parses a repodata.json document into PackageInfo records.
// Exposed for other components (internal/database's
// add_repo_from_repodata_json) that load a repodata file this package
// already fetched and cached.
func ParseJSON(data []byte, channelID string) ([]matchspec.PackageInfo, error) {
	return parseRepodataJSON(data, channelID)
}

// LoadNative reads a native-tier file written by writeNative and
// returns its records, iff its embedded origin still matches
// expectedOrigin. Exposed for internal/database's
// add_repo_from_native_serialization.
func LoadNative(path string, expectedOrigin StateFile) ([]matchspec.PackageInfo, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var nf nativeFile
	if err := msgpack.Unmarshal(data, &nf); err != nil {
		return nil, false
	}
	if nf.Origin.URL != expectedOrigin.URL || nf.Origin.ETag != expectedOrigin.ETag || nf.Origin.LastModified != expectedOrigin.LastModified {
		return nil, false
	}
	return nf.Records, true
}

// SubdirLoader fetches, validates, and caches one (channel, platform)
// subdir's repodata.
type SubdirLoader struct {
	Channel  channel.Channel
	Platform string

	cacheDir string
	fetcher  *fetch.Fetcher
	creds    *auth.Store
	params   Params
	sink     report.Sink

	state   State
	records []matchspec.PackageInfo
}

// Create builds a loader for one subdir, per spec.md §4.4's
// "create(params, channel, platform, cache)".
func Create(params Params, ch channel.Channel, platform, cacheDir string, fetcher *fetch.Fetcher, creds *auth.Store, sink report.Sink) *SubdirLoader {
	if sink == nil {
		sink = report.Silent
	}
	return &SubdirLoader{
		Channel: ch, Platform: platform,
		cacheDir: cacheDir, fetcher: fetcher, creds: creds,
		params: params, sink: sink, state: New,
	}
}

// Records returns the loaded package records; meaningful once State
// reports Ready.
func (l *SubdirLoader) Records() []matchspec.PackageInfo { return l.records }

// State reports the loader's current position in the state machine.
func (l *SubdirLoader) State() State { return l.state }

// CacheKey is the canonical URL minus any trailing slash, per spec.md
// §4.4's "Caching keys" paragraph.
func (l *SubdirLoader) CacheKey() string {
	return strings.TrimRight(l.Channel.CanonicalBaseURL, "/") + "/" + l.Platform
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (l *SubdirLoader) jsonCachePath() string {
	return filepath.Join(l.cacheDir, "cache", hashKey(l.CacheKey())+".json")
}

func (l *SubdirLoader) statePath() string {
	return filepath.Join(l.cacheDir, "cache", hashKey(l.CacheKey())+".state.json")
}

func (l *SubdirLoader) nativePath() string {
	return filepath.Join(l.cacheDir, "cache", hashKey(l.CacheKey())+".solv")
}

func (l *SubdirLoader) loadStateFile() *StateFile {
	data, err := os.ReadFile(l.statePath())
	if err != nil {
		return nil
	}
	var state StateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	return &state
}

func (l *SubdirLoader) saveStateFile(state *StateFile) error {
	if err := os.MkdirAll(filepath.Dir(l.statePath()), 0o755); err != nil {
		return errtax.NewIo(l.statePath(), err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.statePath(), data, 0o644); err != nil {
		return errtax.NewIo(l.statePath(), err)
	}
	return nil
}

// Ensure drives the loader to Ready, following spec.md §4.4's state
// machine: a fresh-enough cache skips the network entirely; offline
// mode only ever reads the cache; otherwise it probes, tries sharded
// mode first when configured (falling back to traditional on any
// error), and finally writes the native serialization tier.
func (l *SubdirLoader) Ensure(ctx context.Context, cancel <-chan struct{}) error {
	state := l.loadStateFile()

	if l.params.Offline {
		if _, err := os.Stat(l.jsonCachePath()); err != nil {
			return errtax.NewCacheCorrupted(l.jsonCachePath(),
				fmt.Errorf("offline mode: no cached repodata for %s", l.CacheKey()))
		}
		return l.loadFromJSONCache()
	}

	if l.cacheFresh(state) {
		if records, ok := l.tryLoadNative(state); ok {
			l.records = records
			l.state = Ready
			return nil
		}
		return l.loadFromJSONCache()
	}

	l.state = Probing

	if l.params.UseShards && len(l.params.Roots) > 0 {
		if err := l.loadSharded(ctx, cancel); err == nil {
			l.state = Ready
			l.writeNative()
			return nil
		} else {
			l.sink.Warnf("%s: sharded repodata failed (%v), falling back to traditional", l.CacheKey(), err)
		}
	}

	if err := l.loadTraditional(ctx, cancel, state); err != nil {
		return err
	}
	l.state = Ready
	l.writeNative()
	return nil
}

func (l *SubdirLoader) cacheFresh(state *StateFile) bool {
	if state == nil || l.params.TTL <= 0 {
		return false
	}
	if _, err := os.Stat(l.jsonCachePath()); err != nil {
		return false
	}
	return time.Since(time.Unix(state.Mtime, 0)) < l.params.TTL
}

func (l *SubdirLoader) loadFromJSONCache() error {
	data, err := os.ReadFile(l.jsonCachePath())
	if err != nil {
		return errtax.NewIo(l.jsonCachePath(), err)
	}
	records, err := parseRepodataJSON(data, l.Channel.ID)
	if err != nil {
		return errtax.NewCacheCorrupted(l.jsonCachePath(), err)
	}
	l.records = records
	l.state = Ready
	return nil
}

func decompressZst(data []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// loadTraditional fetches a single repodata.json, per spec.md §4.4's
// "Traditional mode" paragraph. It fetches repodata.json.zst instead
// only when the saved state already has HasZst set; HasZst is recorded
// only after a .zst fetch, no probe sets it, and Params has no option
// that selects the .zst variant.
func (l *SubdirLoader) loadTraditional(ctx context.Context, cancel <-chan struct{}, state *StateFile) error {
	suffix := "repodata.json"
	if state != nil && state.HasZst {
		suffix = "repodata.json.zst"
	}
	baseURL := strings.TrimRight(l.Channel.CanonicalBaseURL, "/") + "/" + l.Platform + "/"

	var prior fetch.CacheMetadata
	if state != nil {
		prior = fetch.CacheMetadata{ETag: state.ETag, LastModified: state.LastModified}
	}

	downloadPath := l.jsonCachePath() + ".download"
	var result fetch.Result
	err := l.fetcher.Fetch(ctx, fetch.Request{
		Name:       l.CacheKey(),
		URL:        baseURL + suffix,
		TargetPath: downloadPath,
		Prior:      prior,
		OnSuccess:  func(r fetch.Result) { result = r },
	}, cancel)
	if err != nil {
		return err
	}

	if result.NotModified {
		return l.loadFromJSONCache()
	}
	defer os.Remove(downloadPath)

	data, err := os.ReadFile(downloadPath)
	if err != nil {
		return errtax.NewIo(downloadPath, err)
	}
	if strings.HasSuffix(suffix, ".zst") {
		data, err = decompressZst(data)
		if err != nil {
			return errtax.NewCacheCorrupted(downloadPath, err)
		}
	}

	records, err := parseRepodataJSON(data, l.Channel.ID)
	if err != nil {
		return errtax.NewCacheCorrupted(l.jsonCachePath(), err)
	}

	if err := os.MkdirAll(filepath.Dir(l.jsonCachePath()), 0o755); err != nil {
		return errtax.NewIo(l.jsonCachePath(), err)
	}
	if err := os.WriteFile(l.jsonCachePath(), data, 0o644); err != nil {
		return errtax.NewIo(l.jsonCachePath(), err)
	}

	if err := l.saveStateFile(&StateFile{
		URL: baseURL + suffix, ETag: result.ETag, LastModified: result.LastModified,
		Size: int64(len(data)), Mtime: time.Now().Unix(),
		HasZst: strings.HasSuffix(suffix, ".zst"),
	}); err != nil {
		return err
	}
	l.records = records
	return nil
}

func dependencyName(dep string) string {
	dep = strings.TrimSpace(dep)
	for i, c := range dep {
		switch c {
		case ' ', '\t', '<', '>', '=', '!', '~', '[':
			return dep[:i]
		}
	}
	return dep
}

// loadSharded implements spec.md §4.4's sharded mode: fetch the shard
// index, then breadth-first fetch every shard reachable from the
// requested roots (plus "pip" when "python" is requested), merging
// their records into a synthetic repodata.
func (l *SubdirLoader) loadSharded(ctx context.Context, cancel <-chan struct{}) error {
	shardIndexURL := strings.TrimRight(l.Channel.CanonicalBaseURL, "/") + "/" + l.Platform + "/repodata_shards.msgpack.zst"
	indexPath := l.jsonCachePath() + ".shards.msgpack"

	if err := l.fetcher.Fetch(ctx, fetch.Request{
		Name: l.CacheKey() + " shard index", URL: shardIndexURL, TargetPath: indexPath,
	}, cancel); err != nil {
		return err
	}
	defer os.Remove(indexPath)

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return errtax.NewIo(indexPath, err)
	}
	decompressed, err := decompressZst(raw)
	if err != nil {
		return err
	}
	var shardIndex map[string]string
	if err := msgpack.Unmarshal(decompressed, &shardIndex); err != nil {
		return err
	}

	frontier := append([]string(nil), l.params.Roots...)
	for _, r := range l.params.Roots {
		if r == "python" {
			frontier = append(frontier, "pip")
			break
		}
	}

	visited := map[string]bool{}
	var records []matchspec.PackageInfo
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		hash, ok := shardIndex[name]
		if !ok {
			continue
		}
		shardRecords, err := l.fetchShard(ctx, cancel, hash)
		if err != nil {
			return err
		}
		for _, rec := range shardRecords {
			records = append(records, rec)
			for _, dep := range rec.Depends {
				if depName := dependencyName(dep); !visited[depName] {
					frontier = append(frontier, depName)
				}
			}
			for _, dep := range rec.Constrains {
				if depName := dependencyName(dep); !visited[depName] {
					frontier = append(frontier, depName)
				}
			}
		}
	}

	if err := l.persistSynthetic(records, shardIndexURL); err != nil {
		return err
	}
	l.records = records
	return nil
}

func (l *SubdirLoader) fetchShard(ctx context.Context, cancel <-chan struct{}, hash string) ([]matchspec.PackageInfo, error) {
	shardURL := strings.TrimRight(l.Channel.CanonicalBaseURL, "/") + "/" + l.Platform + "/shards/" + hash + ".msgpack.zst"
	shardPath := filepath.Join(l.cacheDir, "cache", "shard-"+hash+".msgpack")

	if err := l.fetcher.Fetch(ctx, fetch.Request{
		Name: "shard " + hash, URL: shardURL, TargetPath: shardPath,
	}, cancel); err != nil {
		return nil, err
	}
	defer os.Remove(shardPath)

	raw, err := os.ReadFile(shardPath)
	if err != nil {
		return nil, errtax.NewIo(shardPath, err)
	}
	decompressed, err := decompressZst(raw)
	if err != nil {
		return nil, err
	}
	var recs map[string]rawRecord
	if err := msgpack.Unmarshal(decompressed, &recs); err != nil {
		return nil, err
	}
	out := make([]matchspec.PackageInfo, 0, len(recs))
	for filename, r := range recs {
		out = append(out, toPackageInfo(filename, r, l.Channel.ID, l.Platform))
	}
	return out, nil
}

func (l *SubdirLoader) persistSynthetic(records []matchspec.PackageInfo, originURL string) error {
	doc := repodataJSON{Packages: map[string]rawRecord{}}
	doc.Info.Subdir = l.Platform
	for _, rec := range records {
		doc.Packages[rec.Filename] = fromPackageInfo(rec)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.jsonCachePath()), 0o755); err != nil {
		return errtax.NewIo(l.jsonCachePath(), err)
	}
	if err := os.WriteFile(l.jsonCachePath(), data, 0o644); err != nil {
		return errtax.NewIo(l.jsonCachePath(), err)
	}
	return l.saveStateFile(&StateFile{
		URL: originURL, Mtime: time.Now().Unix(), Size: int64(len(data)), HasShards: true,
	})
}

// nativeFile is the msgpack-serialized native tier: pre-parsed
// records stamped with the state they were derived from, so a later
// Ensure can skip JSON parsing entirely when the origin still matches
// (spec.md §4.4's "Native serialization tier" paragraph).
type nativeFile struct {
	Origin  StateFile
	Records []matchspec.PackageInfo
}

func (l *SubdirLoader) writeNative() {
	if runtime.GOOS == "windows" {
		return
	}
	state := l.loadStateFile()
	if state == nil {
		return
	}
	data, err := msgpack.Marshal(nativeFile{Origin: *state, Records: l.records})
	if err != nil {
		return
	}
	_ = os.WriteFile(l.nativePath(), data, 0o644)
}

func (l *SubdirLoader) tryLoadNative(state *StateFile) ([]matchspec.PackageInfo, bool) {
	if runtime.GOOS == "windows" || state == nil {
		return nil, false
	}
	data, err := os.ReadFile(l.nativePath())
	if err != nil {
		return nil, false
	}
	var nf nativeFile
	if err := msgpack.Unmarshal(data, &nf); err != nil {
		return nil, false
	}
	if nf.Origin.URL != state.URL || nf.Origin.ETag != state.ETag || nf.Origin.LastModified != state.LastModified {
		return nil, false
	}
	return nf.Records, true
}

// DownloadRequiredIndexes ensures every loader reaches Ready or
// produces a hard error, per spec.md §4.4's public operation and §5's
// ordering guarantee: the driver never proceeds to solving until every
// required subdir has finished one way or the other. Errors from
// individual loaders are collected, not short-circuited — one
// subdir's failure doesn't stop the others from completing.
func DownloadRequiredIndexes(ctx context.Context, loaders []*SubdirLoader, opts DownloadOptions, cancel <-chan struct{}) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	errs := make([]error, len(loaders))
	for i, loader := range loaders {
		i, loader := i, loader
		g.Go(func() error {
			errs[i] = loader.Ensure(ctx, cancel)
			return nil
		})
	}
	_ = g.Wait()
	return errtax.Aggregate(errs...)
}
