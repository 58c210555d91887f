// Package pkgcache implements the content-addressed package cache of
// spec.md §6.1/C7: archive storage, extraction of ".tar.bz2" and
// ".conda" packages, and the cache directory's advisory lock.
package pkgcache

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

const (
	lockFileName          = ".solvent-pkgs.lock"
	cacheKeyFileName      = ".cache-key"
	defaultLockBackoffMax = 60 * time.Second
)

// Cache is one package cache directory ("<pkgs>" in spec.md §6.1):
// archives at "<name>-<version>-<build>.<ext>", extracted trees at
// "<name>-<version>-<build>/", guarded by a single advisory lock file.
type Cache struct {
	root string
	lock *flock.Flock
}

// New returns a Cache rooted at dir. The directory is created lazily
// on first Lock/Extract call, not here.
func New(dir string) *Cache {
	return &Cache{root: dir, lock: flock.New(filepath.Join(dir, lockFileName))}
}

// Root returns the cache directory path.
func (c *Cache) Root() string { return c.root }

// Lock acquires the cache directory's advisory lock for the duration
// of a write (download-extract-link), retrying with exponential
// backoff up to defaultLockBackoffMax before reporting LockTimeout,
// per spec.md §5's "Timeouts" paragraph. The returned function
// releases the lock.
func (c *Cache) Lock() (func() error, error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, errtax.NewIo(c.root, err)
	}
	wait := 100 * time.Millisecond
	deadline := time.Now().Add(defaultLockBackoffMax)
	for {
		ok, err := c.lock.TryLock()
		if err != nil {
			return nil, errtax.NewIo(c.root, err)
		}
		if ok {
			return c.lock.Unlock, nil
		}
		if time.Now().After(deadline) {
			return nil, errtax.NewLockTimeout(c.root)
		}
		time.Sleep(wait)
		if wait < 5*time.Second {
			wait *= 2
		}
	}
}

func condaBuildTriple(p matchspec.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version.String(), p.BuildString)
}

func archiveExt(p matchspec.PackageInfo) string {
	for _, ext := range []string{".tar.bz2", ".conda"} {
		if strings.HasSuffix(p.Filename, ext) {
			return ext
		}
	}
	return ".conda"
}

// ArchivePath returns the on-disk path p's downloaded archive belongs
// at, whether or not it exists yet.
func (c *Cache) ArchivePath(p matchspec.PackageInfo) string {
	return filepath.Join(c.root, condaBuildTriple(p)+archiveExt(p))
}

// ExtractedPath returns the on-disk path p's extracted tree belongs
// at, whether or not it exists yet.
func (c *Cache) ExtractedPath(p matchspec.PackageInfo) string {
	return filepath.Join(c.root, condaBuildTriple(p))
}

// Lookup reports whether p is already extracted under a cache key
// matching p.CacheKey() (sha256, falling back to md5, falling back to
// filename — see matchspec.PackageInfo.CacheKey). A directory that
// exists but was stamped with a different key (a stale extraction of
// a same-named package from a different channel revision) is treated
// as a miss, so the caller re-extracts rather than linking stale
// content — this is the "content-addressed" half of this package.
func (c *Cache) Lookup(p matchspec.PackageInfo) (extractedPath string, ok bool) {
	dir := c.ExtractedPath(p)
	stored, err := os.ReadFile(filepath.Join(dir, cacheKeyFileName))
	if err != nil {
		return "", false
	}
	if strings.TrimSpace(string(stored)) != p.CacheKey() {
		return "", false
	}
	return dir, true
}

// Extract unpacks the archive at c.ArchivePath(p) into a fresh
// c.ExtractedPath(p), stamping the result with p's cache key so a
// later Lookup can validate it, and returns the extracted directory.
func (c *Cache) Extract(p matchspec.PackageInfo) (string, error) {
	archivePath := c.ArchivePath(p)
	dest := c.ExtractedPath(p)

	if err := os.RemoveAll(dest); err != nil {
		return "", errtax.NewIo(dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errtax.NewIo(dest, err)
	}

	var err error
	switch {
	case strings.HasSuffix(archivePath, ".tar.bz2"):
		err = extractTarBz2(archivePath, dest)
	case strings.HasSuffix(archivePath, ".conda"):
		err = extractConda(archivePath, dest)
	default:
		return "", errtax.NewCacheCorrupted(archivePath, fmt.Errorf("unrecognized package archive extension"))
	}
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(dest, cacheKeyFileName), []byte(p.CacheKey()), 0o644); err != nil {
		return "", errtax.NewIo(dest, err)
	}
	return dest, nil
}

func extractTarBz2(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errtax.NewIo(archivePath, err)
	}
	defer f.Close()
	return extractTar(tar.NewReader(bzip2.NewReader(f)), dest, archivePath)
}

// extractConda unpacks a ".conda" archive: a zip container holding one
// or more "<pkg|info>-name-version-build.tar.zst" members, each a
// zstd-compressed tarball. Both members' contents land in the same
// destination directory (the info tarball's own top-level "info/"
// directory is what keeps them from colliding).
func extractConda(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errtax.NewCacheCorrupted(archivePath, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".tar.zst") {
			continue
		}
		if err := extractTarZstMember(zf, dest, archivePath); err != nil {
			return err
		}
	}
	return nil
}

func extractTarZstMember(zf *zip.File, dest, archivePath string) error {
	rc, err := zf.Open()
	if err != nil {
		return errtax.NewCacheCorrupted(archivePath, err)
	}
	defer rc.Close()

	zd, err := zstd.NewReader(rc)
	if err != nil {
		return errtax.NewCacheCorrupted(archivePath, err)
	}
	defer zd.Close()

	return extractTar(tar.NewReader(zd), dest, archivePath)
}

func extractTar(tr *tar.Reader, dest, archivePath string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errtax.NewCacheCorrupted(archivePath, err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return errtax.NewCacheCorrupted(archivePath, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return errtax.NewIo(target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errtax.NewIo(target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return errtax.NewIo(target, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errtax.NewIo(target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)|0o200)
			if err != nil {
				return errtax.NewIo(target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errtax.NewIo(target, err)
			}
			if err := out.Close(); err != nil {
				return errtax.NewIo(target, err)
			}
		}
	}
}

// safeJoin joins name onto dest after normalizing it to a rooted,
// ".."-free path, rejecting any archive member that would otherwise
// escape dest ("zip slip").
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(string(os.PathSeparator) + name)
	target := filepath.Join(dest, clean)
	cleanDest := filepath.Clean(dest)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}
