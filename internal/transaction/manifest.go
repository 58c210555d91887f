package transaction

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

// manifestDir is where this package records, per installed dist, the
// prefix-relative file list a later removal needs to unlink.
// matchspec.PackageInfo (and the conda-meta record prefixdata persists)
// carries no such field, so the transaction engine owns this sidecar
// rather than extending prefixdata's on-disk record shape — see
// DESIGN.md.
const manifestDir = "conda-meta"

func manifestPath(prefix string, p matchspec.PackageInfo) string {
	return filepath.Join(prefix, manifestDir, distName(p)+".files")
}

// writeFileManifest persists the prefix-relative paths files as p's
// file manifest, one path per line.
func writeFileManifest(prefix string, p matchspec.PackageInfo, files []string) error {
	path := manifestPath(prefix, p)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtax.NewIo(path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errtax.NewIo(path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rel := range files {
		if _, err := w.WriteString(rel + "\n"); err != nil {
			return errtax.NewIo(path, err)
		}
	}
	return w.Flush()
}

// readFileManifest reads back the file list writeFileManifest recorded
// for p. A missing manifest (a record installed before this package
// existed, or already partially removed) yields no files rather than
// an error.
func readFileManifest(prefix string, p matchspec.PackageInfo) ([]string, error) {
	path := manifestPath(prefix, p)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errtax.NewIo(path, err)
	}
	var files []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func removeFileManifest(prefix string, p matchspec.PackageInfo) {
	os.Remove(manifestPath(prefix, p))
}
