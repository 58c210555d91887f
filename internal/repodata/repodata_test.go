package repodata

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AlexanderEkdahl/solvent/internal/channel"
	"github.com/AlexanderEkdahl/solvent/internal/fetch"
)

func testChannel(t *testing.T, baseURL string) channel.Channel {
	t.Helper()
	return channel.Channel{
		ID:               "conda-forge",
		CanonicalBaseURL: baseURL,
		DisplayName:      "conda-forge",
	}
}

func testLoader(t *testing.T, params Params, baseURL, cacheDir string) *SubdirLoader {
	t.Helper()
	f := fetch.New(fetch.NewMirrorMap(nil, nil), nil, nil)
	return Create(params, testChannel(t, baseURL), "linux-64", cacheDir, f, nil, nil)
}

func sampleRepodataJSON() []byte {
	doc := map[string]interface{}{
		"info": map[string]string{"subdir": "linux-64"},
		"packages": map[string]interface{}{
			"numpy-1.20.0-py38_0.tar.bz2": map[string]interface{}{
				"name":    "numpy",
				"version": "1.20.0",
				"build":   "py38_0",
				"depends": []string{"python >=3.8"},
			},
		},
	}
	data, _ := json.Marshal(doc)
	return data
}

func TestLoadTraditionalFetchesAndCaches(t *testing.T) {
	body := sampleRepodataJSON()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{}, srv.URL, cacheDir)

	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if loader.State() != Ready {
		t.Fatalf("State = %v, want Ready", loader.State())
	}
	records := loader.Records()
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Name != "numpy" {
		t.Errorf("records[0].Name = %q", records[0].Name)
	}

	if _, err := os.Stat(loader.jsonCachePath()); err != nil {
		t.Errorf("expected json cache file to exist: %v", err)
	}
	if _, err := os.Stat(loader.statePath()); err != nil {
		t.Errorf("expected state file to exist: %v", err)
	}
}

func TestLoadTraditionalNotModifiedReusesCache(t *testing.T) {
	body := sampleRepodataJSON()
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(body)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{}, srv.URL, cacheDir)
	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	loader2 := testLoader(t, Params{}, srv.URL, cacheDir)
	if err := loader2.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if len(loader2.Records()) != 1 {
		t.Errorf("expected cached records to be reloaded, got %d", len(loader2.Records()))
	}
}

func TestOfflineModeUsesCacheOnly(t *testing.T) {
	cacheDir := t.TempDir()
	loader := testLoader(t, Params{Offline: true}, "http://unreachable.invalid", cacheDir)

	if err := loader.Ensure(context.Background(), nil); err == nil {
		t.Fatalf("expected offline mode with no cache to fail")
	}

	body := sampleRepodataJSON()
	if err := os.MkdirAll(filepath.Dir(loader.jsonCachePath()), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(loader.jsonCachePath(), body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure with warm cache: %v", err)
	}
	if loader.State() != Ready {
		t.Fatalf("State = %v, want Ready", loader.State())
	}
}

func TestCacheFreshSkipsNetwork(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(sampleRepodataJSON())
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{TTL: time.Hour}, srv.URL, cacheDir)
	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests after first Ensure = %d, want 1", requests)
	}

	loader2 := testLoader(t, Params{TTL: time.Hour}, srv.URL, cacheDir)
	if err := loader2.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if requests != 1 {
		t.Errorf("requests after fresh-cache Ensure = %d, want still 1", requests)
	}
}

func TestNativeTierSkipsJSONReparse(t *testing.T) {
	body := sampleRepodataJSON()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{TTL: time.Hour}, srv.URL, cacheDir)
	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := os.Stat(loader.nativePath()); err != nil {
		t.Errorf("expected native file to be written: %v", err)
	}

	if err := os.Truncate(loader.jsonCachePath(), 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	loader2 := testLoader(t, Params{TTL: time.Hour}, srv.URL, cacheDir)
	if err := loader2.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure after truncating json cache: %v", err)
	}
	if len(loader2.Records()) != 1 {
		t.Errorf("expected native tier to supply records despite empty json cache, got %d", len(loader2.Records()))
	}
}

func TestDependencyNameExtractsBareName(t *testing.T) {
	cases := map[string]string{
		"python >=3.8":     "python",
		"numpy=1.20":       "numpy",
		"setuptools":       "setuptools",
		"pip[extra]":       "pip",
		"  libgcc-ng >=7 ": "libgcc-ng",
	}
	for input, want := range cases {
		if got := dependencyName(input); got != want {
			t.Errorf("dependencyName(%q) = %q, want %q", input, got, want)
		}
	}
}

func zstCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zstd Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zstd Close: %v", err)
	}
	return buf.Bytes()
}

func TestLoadShardedMergesFrontier(t *testing.T) {
	shardIndex, err := msgpack.Marshal(map[string]string{
		"numpy": "hash-numpy",
		"pip":   "hash-pip",
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}

	numpyShard, err := msgpack.Marshal(map[string]rawRecord{
		"numpy-1.20.0-py38_0.tar.bz2": {
			Name: "numpy", Version: "1.20.0", BuildString: "py38_0",
			Depends: []string{"pip"},
		},
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal numpy shard: %v", err)
	}
	pipShard, err := msgpack.Marshal(map[string]rawRecord{
		"pip-21.0-py38_0.tar.bz2": {Name: "pip", Version: "21.0", BuildString: "py38_0"},
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal pip shard: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/linux-64/repodata_shards.msgpack.zst":
			w.Write(zstCompress(t, shardIndex))
		case "/linux-64/shards/hash-numpy.msgpack.zst":
			w.Write(zstCompress(t, numpyShard))
		case "/linux-64/shards/hash-pip.msgpack.zst":
			w.Write(zstCompress(t, pipShard))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{UseShards: true, Roots: []string{"numpy"}}, srv.URL, cacheDir)

	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if loader.State() != Ready {
		t.Fatalf("State = %v, want Ready", loader.State())
	}

	names := map[string]bool{}
	for _, rec := range loader.Records() {
		names[rec.Name] = true
	}
	if !names["numpy"] || !names["pip"] {
		t.Errorf("Records() = %v, want numpy and pip", loader.Records())
	}
}

func TestLoadShardedFallsBackOnError(t *testing.T) {
	body := sampleRepodataJSON()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/linux-64/repodata_shards.msgpack.zst" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := testLoader(t, Params{UseShards: true, Roots: []string{"numpy"}}, srv.URL, cacheDir)

	if err := loader.Ensure(context.Background(), nil); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if loader.State() != Ready {
		t.Fatalf("State = %v, want Ready", loader.State())
	}
	if len(loader.Records()) != 1 {
		t.Fatalf("expected fallback to traditional mode's single record, got %d", len(loader.Records()))
	}
}

func TestDownloadRequiredIndexesAggregatesErrors(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(sampleRepodataJSON())
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	cacheDir := t.TempDir()
	loaders := []*SubdirLoader{
		testLoader(t, Params{}, ok.URL, filepath.Join(cacheDir, "ok")),
		testLoader(t, Params{}, bad.URL, filepath.Join(cacheDir, "bad")),
	}

	err := DownloadRequiredIndexes(context.Background(), loaders, DownloadOptions{}, nil)
	if err == nil {
		t.Fatalf("expected an aggregated error from the failing loader")
	}
	if loaders[0].State() != Ready {
		t.Errorf("the succeeding loader should still have reached Ready despite its sibling's failure")
	}
}
