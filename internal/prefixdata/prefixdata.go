// Package prefixdata implements the installed-prefix records of
// spec.md §4.5/§6.2 (C9): conda-meta package records, pip interop, the
// History file, pins, and named-environment discovery.
package prefixdata

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

const pypiChannel = "pypi"

// condaMetaDir is the subdirectory, relative to a prefix, holding one
// JSON record per installed package plus the History file.
const condaMetaDir = "conda-meta"

// recordJSON is the on-disk shape of a conda-meta/<dist>.json record.
// build_string is accepted alongside the more common "build" key, since
// both appear across the package ecosystem's history.
type recordJSON struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	BuildString   string   `json:"build_string"`
	Build         string   `json:"build"`
	BuildNumber   uint64   `json:"build_number"`
	Channel       string   `json:"channel"`
	Platform      string   `json:"platform"`
	Subdir        string   `json:"subdir"`
	Depends       []string `json:"depends,omitempty"`
	Constrains    []string `json:"constrains,omitempty"`
	MD5           string   `json:"md5,omitempty"`
	SHA256        string   `json:"sha256,omitempty"`
	Size          int64    `json:"size,omitempty"`
	Fn            string   `json:"fn,omitempty"`
	RequestedSpec string   `json:"requested_spec,omitempty"`
}

func (r recordJSON) buildString() string {
	if r.BuildString != "" {
		return r.BuildString
	}
	return r.Build
}

func (r recordJSON) platform() string {
	if r.Platform != "" {
		return r.Platform
	}
	return r.Subdir
}

func toPackageInfo(r recordJSON) matchspec.PackageInfo {
	v, _ := version.Parse(r.Version)
	return matchspec.PackageInfo{
		Name: r.Name, Version: v, BuildString: r.buildString(), BuildNumber: r.BuildNumber,
		ChannelID: r.Channel, Platform: r.platform(),
		Depends: r.Depends, Constrains: r.Constrains,
		MD5: r.MD5, SHA256: r.SHA256, Size: r.Size, Filename: r.Fn,
	}
}

func fromPackageInfo(p matchspec.PackageInfo) recordJSON {
	return recordJSON{
		Name: p.Name, Version: p.Version.String(), BuildString: p.BuildString, BuildNumber: p.BuildNumber,
		Channel: p.ChannelID, Platform: p.Platform,
		Depends: p.Depends, Constrains: p.Constrains,
		MD5: p.MD5, SHA256: p.SHA256, Size: p.Size, Fn: p.Filename,
	}
}

func distName(p matchspec.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version.String(), p.BuildString)
}

// PrefixData holds one prefix's installed package records: conda
// packages read from conda-meta/*.json, plus any pip-installed
// packages held separately in PipRecords (pip interop: records on the
// "pypi" channel, whether read by Load or registered in memory by
// AddPipPackages).
type PrefixData struct {
	Prefix     string
	Records    map[string]matchspec.PackageInfo
	PipRecords map[string]matchspec.PackageInfo
}

// Load reads every conda-meta/*.json record under prefix. A prefix
// with no conda-meta directory yields an empty PrefixData, not an
// error — a not-yet-created environment is a valid starting point.
func Load(prefix string) (*PrefixData, error) {
	pd := &PrefixData{
		Prefix:     prefix,
		Records:    map[string]matchspec.PackageInfo{},
		PipRecords: map[string]matchspec.PackageInfo{},
	}

	entries, err := os.ReadDir(filepath.Join(prefix, condaMetaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return pd, nil
		}
		return nil, errtax.NewIo(filepath.Join(prefix, condaMetaDir), err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(prefix, condaMetaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errtax.NewIo(path, err)
		}
		var raw recordJSON
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errtax.NewCacheCorrupted(path, err)
		}
		rec := toPackageInfo(raw)
		if rec.ChannelID == pypiChannel {
			pd.PipRecords[rec.Name] = rec
		} else {
			pd.Records[rec.Name] = rec
		}
	}
	return pd, nil
}

// AddPackages registers conda packages in memory, as the transaction
// engine does while building the post-transaction record set before
// writing it to disk.
func (pd *PrefixData) AddPackages(pkgs []matchspec.PackageInfo) {
	for _, p := range pkgs {
		pd.Records[p.Name] = p
	}
}

// AddPipPackages registers pip-installed packages in memory, using the
// "pypi" channel convention that marks a record as pip rather than
// conda in origin.
func (pd *PrefixData) AddPipPackages(pkgs []matchspec.PackageInfo) {
	for _, p := range pkgs {
		p.ChannelID = pypiChannel
		pd.PipRecords[p.Name] = p
	}
}

// InstalledPackages returns every record the solver/database should
// see as already installed: conda records always, plus pip records
// when includePip is true and no conda record already claims that
// name (a conda package shadows its pip-discovered counterpart).
func (pd *PrefixData) InstalledPackages(includePip bool) []matchspec.PackageInfo {
	out := make([]matchspec.PackageInfo, 0, len(pd.Records)+len(pd.PipRecords))
	for _, p := range pd.Records {
		out = append(out, p)
	}
	if includePip {
		for name, p := range pd.PipRecords {
			if _, shadowed := pd.Records[name]; shadowed {
				continue
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WriteRecord persists p as conda-meta/<name>-<version>-<build>.json,
// the link half of the transaction engine's per-action disk state.
func (pd *PrefixData) WriteRecord(p matchspec.PackageInfo) error {
	dir := filepath.Join(pd.Prefix, condaMetaDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errtax.NewIo(dir, err)
	}
	data, err := json.MarshalIndent(fromPackageInfo(p), "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, distName(p)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errtax.NewIo(path, err)
	}
	pd.Records[p.Name] = p
	return nil
}

// RemoveRecord deletes the conda-meta record for name, the unlink half
// of the transaction engine's per-action disk state.
func (pd *PrefixData) RemoveRecord(name string) error {
	p, ok := pd.Records[name]
	if !ok {
		return nil
	}
	path := filepath.Join(pd.Prefix, condaMetaDir, distName(p)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errtax.NewIo(path, err)
	}
	delete(pd.Records, name)
	return nil
}

// ReadPins reads a prefix's pinned-package file (conda-meta/pinned):
// one MatchSpec string per non-empty, non-"#"-comment line.
func ReadPins(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errtax.NewIo(path, err)
	}
	defer f.Close()

	var pins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pins = append(pins, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errtax.NewIo(path, err)
	}
	return pins, nil
}

// PythonPin builds the implicit "python X.Y.*" pin that keeps an
// update from changing the installed Python's minor version, unless
// the caller's own specs already mention python explicitly.
func PythonPin(pd *PrefixData, specs []string) (string, error) {
	installed, ok := pd.Records["python"]
	if !ok {
		return "", nil
	}
	for _, s := range specs {
		ms, err := matchspec.Parse(s)
		if err != nil {
			return "", err
		}
		if ms.Name.String() == "python" {
			return "", nil
		}
	}

	parts := strings.Split(installed.Version.String(), ".")
	if len(parts) < 2 {
		return "", nil
	}
	return fmt.Sprintf("python %s.%s.*", parts[0], parts[1]), nil
}

// Locate resolves a named environment or an explicit path to its
// prefix directory. A name containing a path separator, or a "." or
// ".." component, is treated as a path; otherwise each of envsDirs is
// searched in order for a subdirectory called name.
func Locate(envsDirs []string, nameOrPath string) (string, error) {
	if looksLikePath(nameOrPath) {
		abs, err := filepath.Abs(nameOrPath)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	for _, dir := range envsDirs {
		candidate := filepath.Join(dir, nameOrPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errtax.NewPrefixNotFound(nameOrPath)
}

func looksLikePath(s string) bool {
	if filepath.IsAbs(s) {
		return true
	}
	if strings.ContainsRune(s, os.PathSeparator) || strings.ContainsRune(s, '/') {
		return true
	}
	return s == "." || s == ".." || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

// Registry is the known-environments list (conda's
// "~/.conda/environments.txt"): one prefix path per line.
type Registry struct {
	path string
}

// NewRegistry builds a Registry backed by the file at path.
func NewRegistry(path string) *Registry { return &Registry{path: path} }

func (r *Registry) readLines() ([]string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errtax.NewIo(r.path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (r *Registry) writeLines(lines []string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errtax.NewIo(r.path, err)
	}
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(r.path, []byte(content), 0o644); err != nil {
		return errtax.NewIo(r.path, err)
	}
	return nil
}

// List returns every registered prefix that still has a
// conda-meta/history file, lazily pruning stale entries from the
// returned list (not from the file itself).
func (r *Registry) List() ([]string, error) {
	lines, err := r.readLines()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, prefix := range lines {
		if _, err := os.Stat(filepath.Join(prefix, condaMetaDir, "history")); err == nil {
			out = append(out, prefix)
		}
	}
	return out, nil
}

// Register adds prefix to the known-environments list, if not already
// present.
func (r *Registry) Register(prefix string) error {
	lines, err := r.readLines()
	if err != nil {
		return err
	}
	for _, l := range lines {
		if l == prefix {
			return nil
		}
	}
	return r.writeLines(append(lines, prefix))
}

// Unregister removes prefix from the known-environments list, unless
// its conda-meta directory holds files beyond "history" — an
// environment with real package records is left registered even after
// the caller asks to unregister it.
func (r *Registry) Unregister(prefix string) error {
	extra, err := hasExtraCondaMetaFiles(prefix)
	if err != nil {
		return err
	}
	if extra {
		return nil
	}

	lines, err := r.readLines()
	if err != nil {
		return err
	}
	filtered := lines[:0]
	for _, l := range lines {
		if l != prefix {
			filtered = append(filtered, l)
		}
	}
	return r.writeLines(filtered)
}

func hasExtraCondaMetaFiles(prefix string) (bool, error) {
	entries, err := os.ReadDir(filepath.Join(prefix, condaMetaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errtax.NewIo(filepath.Join(prefix, condaMetaDir), err)
	}
	for _, e := range entries {
		if e.Name() != "history" {
			return true, nil
		}
	}
	return false, nil
}
