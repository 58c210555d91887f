package pkgcache

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

func testPackage(t *testing.T) matchspec.PackageInfo {
	t.Helper()
	v, err := version.Parse("1.20.0")
	if err != nil {
		t.Fatalf("version.Parse: %v", err)
	}
	return matchspec.PackageInfo{
		Name:        "numpy",
		Version:     v,
		BuildString: "py38_0",
		Filename:    "numpy-1.20.0-py38_0.conda",
		SHA256:      "deadbeef",
	}
}

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

func writeCondaArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	writeTarZstMember(t, zw, "pkg-numpy-1.20.0-py38_0.tar.zst", map[string]string{
		"lib/numpy/__init__.py": "# numpy\n",
	})
	writeTarZstMember(t, zw, "info-numpy-1.20.0-py38_0.tar.zst", map[string]string{
		"info/index.json": `{"name":"numpy"}`,
	})
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
}

func TestArchiveAndExtractedPaths(t *testing.T) {
	c := New(t.TempDir())
	p := testPackage(t)
	if got, want := c.ArchivePath(p), filepath.Join(c.Root(), "numpy-1.20.0-py38_0.conda"); got != want {
		t.Errorf("ArchivePath = %q, want %q", got, want)
	}
	if got, want := c.ExtractedPath(p), filepath.Join(c.Root(), "numpy-1.20.0-py38_0"); got != want {
		t.Errorf("ExtractedPath = %q, want %q", got, want)
	}
}

func TestExtractCondaArchive(t *testing.T) {
	c := New(t.TempDir())
	p := testPackage(t)
	writeCondaArchive(t, c.ArchivePath(p))

	dest, err := c.Extract(p)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if dest != c.ExtractedPath(p) {
		t.Errorf("Extract returned %q, want %q", dest, c.ExtractedPath(p))
	}

	got, err := os.ReadFile(filepath.Join(dest, "lib/numpy/__init__.py"))
	if err != nil {
		t.Fatalf("ReadFile lib: %v", err)
	}
	if string(got) != "# numpy\n" {
		t.Errorf("lib/numpy/__init__.py = %q", got)
	}

	gotInfo, err := os.ReadFile(filepath.Join(dest, "info/index.json"))
	if err != nil {
		t.Fatalf("ReadFile info: %v", err)
	}
	if string(gotInfo) != `{"name":"numpy"}` {
		t.Errorf("info/index.json = %q", gotInfo)
	}
}

func TestLookupRoundTrip(t *testing.T) {
	c := New(t.TempDir())
	p := testPackage(t)
	writeCondaArchive(t, c.ArchivePath(p))

	if _, ok := c.Lookup(p); ok {
		t.Fatalf("expected a cache miss before extraction")
	}

	if _, err := c.Extract(p); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	dir, ok := c.Lookup(p)
	if !ok {
		t.Fatalf("expected a cache hit after extraction")
	}
	if dir != c.ExtractedPath(p) {
		t.Errorf("Lookup dir = %q, want %q", dir, c.ExtractedPath(p))
	}
}

func TestLookupStaleCacheKeyIsMiss(t *testing.T) {
	c := New(t.TempDir())
	p := testPackage(t)
	writeCondaArchive(t, c.ArchivePath(p))
	if _, err := c.Extract(p); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	stale := p
	stale.SHA256 = "freshhash"
	if _, ok := c.Lookup(stale); ok {
		t.Errorf("expected a miss once the package's cache key changes")
	}
}

func TestLockRoundTrip(t *testing.T) {
	c := New(t.TempDir())
	unlock, err := c.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := safeJoin("/cache/numpy-1.0-0", "../../etc/passwd"); err == nil {
		t.Errorf("expected a traversal path to be rejected")
	}
}

func TestSafeJoinAllowsNormalPath(t *testing.T) {
	got, err := safeJoin("/cache/numpy-1.0-0", "lib/numpy/__init__.py")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	if got != filepath.Join("/cache/numpy-1.0-0", "lib/numpy/__init__.py") {
		t.Errorf("safeJoin = %q", got)
	}
}
