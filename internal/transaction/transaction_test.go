package transaction

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/AlexanderEkdahl/solvent/internal/fetch"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/pkgcache"
)

// writeTarZstMember and condaArchiveBytes mirror pkgcache's own test
// fixtures: a minimal two-member (pkg, info) zip-of-zst-tars, just
// enough for pkgcache.Cache.Extract's ".conda" branch to unpack.
func writeTarZstMember(t *testing.T, zw *zip.Writer, name string, files map[string]string) {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for path, contents := range files {
		if err := tw.WriteHeader(&tar.Header{Name: path, Size: int64(len(contents)), Mode: 0o644}); err != nil {
			t.Fatalf("tar WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(contents)); err != nil {
			t.Fatalf("tar Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	var zstdBuf bytes.Buffer
	zstW, err := zstd.NewWriter(&zstdBuf)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	if _, err := zstW.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("zstd Write: %v", err)
	}
	if err := zstW.Close(); err != nil {
		t.Fatalf("zstd Close: %v", err)
	}

	entry, err := zw.Create(name)
	if err != nil {
		t.Fatalf("zip Create: %v", err)
	}
	if _, err := entry.Write(zstdBuf.Bytes()); err != nil {
		t.Fatalf("zip entry Write: %v", err)
	}
}

func condaArchiveBytes(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeTarZstMember(t, zw, "pkg-"+name+".tar.zst", map[string]string{
		"lib/" + name + "/__init__.py": "# " + name + "\n",
	})
	writeTarZstMember(t, zw, "info-"+name+".tar.zst", map[string]string{
		"info/index.json": fmt.Sprintf(`{"name":%q}`, name),
	})
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	return buf.Bytes()
}

// testDownloadablePkg builds a PackageInfo whose archive is served by
// srv at "/<name>-<version>-0.conda", for downloadAll/extractAll to
// fetch and unpack against a real pkgcache.Cache.
func testDownloadablePkg(t *testing.T, srv *httptest.Server, channel, name, ver string) matchspec.PackageInfo {
	t.Helper()
	p := testPkg(t, name, ver)
	p.ChannelID = channel
	p.Filename = fmt.Sprintf("%s-%s-0.conda", name, ver)
	p.PackageURL = srv.URL + "/" + p.Filename
	return p
}

func TestDownloadAllAndExtractAllMaterializeEveryPackage(t *testing.T) {
	var inFlight, maxSeen int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		name := r.URL.Path[1:]
		name = name[:len(name)-len(".conda")]
		w.Write(condaArchiveBytes(t, name))
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	installs := []matchspec.PackageInfo{
		testDownloadablePkg(t, srv, "conda-forge", "numpy", "1.20.0"),
		testDownloadablePkg(t, srv, "conda-forge", "pandas", "1.3.0"),
		testDownloadablePkg(t, srv, "bioconda", "samtools", "1.15.0"),
	}

	tr := &Transaction{
		Cache:   pkgcache.New(t.TempDir()),
		Fetcher: fetch.New(fetch.NewMirrorMap(nil, nil), nil, nil),
	}

	if err := tr.downloadAll(context.Background(), installs); err != nil {
		t.Fatalf("downloadAll: %v", err)
	}
	for _, p := range installs {
		if _, err := os.Stat(tr.Cache.ArchivePath(p)); err != nil {
			t.Errorf("archive for %s not downloaded: %v", p.Name, err)
		}
	}

	if err := tr.extractAll(installs); err != nil {
		t.Fatalf("extractAll: %v", err)
	}
	for _, p := range installs {
		if _, ok := tr.Cache.Lookup(p); !ok {
			t.Errorf("%s not extracted into the cache", p.Name)
		}
	}

	// All three installs share at most two distinct channels
	// (conda-forge, bioconda), so even with zero per-channel
	// contention the process-wide maxDownloadsTotal bound of 30 is
	// nowhere near exercised here; this just confirms the pool
	// actually ran the downloads rather than deadlocking.
	if got := atomic.LoadInt32(&maxSeen); got < 1 {
		t.Errorf("expected at least one observed in-flight download, got %d", got)
	}
}

func TestDownloadAllSkipsPackagesAlreadyExtractedOrDownloaded(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		name := r.URL.Path[1:]
		name = name[:len(name)-len(".conda")]
		w.Write(condaArchiveBytes(t, name))
	}))
	defer srv.Close()

	p := testDownloadablePkg(t, srv, "conda-forge", "numpy", "1.20.0")
	cache := pkgcache.New(t.TempDir())
	tr := &Transaction{Cache: cache, Fetcher: fetch.New(fetch.NewMirrorMap(nil, nil), nil, nil)}

	if err := tr.downloadAll(context.Background(), []matchspec.PackageInfo{p}); err != nil {
		t.Fatalf("downloadAll (first): %v", err)
	}
	if err := tr.extractAll([]matchspec.PackageInfo{p}); err != nil {
		t.Fatalf("extractAll: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("requests after first download = %d, want 1", got)
	}

	// p is now fully extracted; a second downloadAll/extractAll pass
	// must not re-fetch or re-extract it.
	if err := tr.downloadAll(context.Background(), []matchspec.PackageInfo{p}); err != nil {
		t.Fatalf("downloadAll (second): %v", err)
	}
	if err := tr.extractAll([]matchspec.PackageInfo{p}); err != nil {
		t.Fatalf("extractAll (second): %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests after second downloadAll = %d, want still 1 (already cached)", got)
	}
}
