package transaction

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

// LinkMode selects how an extracted package's files are placed under a
// prefix, per spec.md §4.8 step 6.
type LinkMode int

const (
	LinkHardlink LinkMode = iota
	LinkCopy
	LinkSymlink
)

// hasPrefixFile is the well-known "info/has_prefix" manifest inside an
// extracted package: one "<placeholder> <text|binary> <relative path>"
// line per file containing a baked-in placeholder prefix that needs
// rewriting to the real install prefix.
const hasPrefixFile = "info/has_prefix"

type prefixPlaceholder struct {
	placeholder string
	binary      bool
	path        string
}

func readPrefixPlaceholders(extractedDir string) ([]prefixPlaceholder, error) {
	f, err := os.Open(filepath.Join(extractedDir, hasPrefixFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errtax.NewIo(filepath.Join(extractedDir, hasPrefixFile), err)
	}
	defer f.Close()

	var out []prefixPlaceholder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 2:
			// "<placeholder> <path>" (legacy two-field form: text mode
			// implied).
			out = append(out, prefixPlaceholder{placeholder: fields[0], path: fields[1]})
		case 3:
			out = append(out, prefixPlaceholder{placeholder: fields[0], binary: fields[1] == "binary", path: fields[2]})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errtax.NewIo(hasPrefixFile, err)
	}
	return out, nil
}

// linkFile places src at dst per mode, trying the requested mode first
// and falling back to a copy when the mode isn't available across the
// two filesystems involved (hardlink/symlink can both fail with
// EXDEV-equivalent errors on some platforms).
func linkFile(src, dst string, mode LinkMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errtax.NewIo(dst, err)
	}
	_ = os.Remove(dst)

	switch mode {
	case LinkHardlink:
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	case LinkSymlink:
		if err := os.Symlink(src, dst); err == nil {
			return nil
		}
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errtax.NewIo(src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errtax.NewIo(src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return errtax.NewIo(dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errtax.NewIo(dst, err)
	}
	return out.Close()
}

// rewritePrefixPlaceholder replaces every occurrence of placeholder in
// the text file at path with prefix. Binary files are skipped: a
// byte-identical-length binary placeholder rewrite needs a padding
// scheme this module doesn't implement, so binary-mode has_prefix
// entries are left pointing at the placeholder — see DESIGN.md.
func rewritePrefixPlaceholder(path, placeholder, prefix string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errtax.NewIo(path, err)
	}
	replaced := strings.ReplaceAll(string(data), placeholder, prefix)
	if replaced == string(data) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return errtax.NewIo(path, err)
	}
	return errtax.WrapIo(path, os.WriteFile(path, []byte(replaced), info.Mode()))
}

// linkPackage links every regular file and directory under extractedDir
// into prefix, applying has_prefix rewriting, and returns the
// prefix-relative paths it created (used both to write the installed
// record's file manifest and, on failure, to roll the partial link back).
func linkPackage(extractedDir, prefix string, mode LinkMode) (linked []string, err error) {
	placeholders := map[string]prefixPlaceholder{}
	list, perr := readPrefixPlaceholders(extractedDir)
	if perr != nil {
		return nil, perr
	}
	for _, p := range list {
		placeholders[filepath.ToSlash(p.path)] = p
	}

	walkErr := filepath.Walk(extractedDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(extractedDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		dst := filepath.Join(prefix, rel)
		if linkErr := linkFile(path, dst, mode); linkErr != nil {
			return linkErr
		}
		linked = append(linked, rel)

		if ph, ok := placeholders[filepath.ToSlash(rel)]; ok && !ph.binary {
			if rewriteErr := rewritePrefixPlaceholder(dst, ph.placeholder, prefix); rewriteErr != nil {
				return rewriteErr
			}
		}
		return nil
	})
	if walkErr != nil {
		unlinkFiles(prefix, linked)
		return nil, walkErr
	}
	return linked, nil
}

// unlinkFiles removes every prefix-relative path in files from prefix.
// Missing files are tolerated: a partially-applied install or a prior
// manual edit shouldn't make removal fail.
func unlinkFiles(prefix string, files []string) error {
	var firstErr error
	for _, rel := range files {
		p := filepath.Join(prefix, rel)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errtax.NewIo(p, err)
		}
	}
	return firstErr
}
