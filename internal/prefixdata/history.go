package prefixdata

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

// historyFileName is the transaction log conda-meta carries alongside
// the package records.
const historyFileName = "history"

var headLineRe = regexp.MustCompile(`^==>\s*(.+?)\s*<==$`)

// HistoryEntry is one "==> date <==" block: the user request that
// produced it, the dists it linked/unlinked, and any "neutered" specs
// a later solve loosened to make room for a conflicting request.
type HistoryEntry struct {
	Date         string
	Cmd          string
	CondaVersion string
	UnlinkDists  []string
	LinkDists    []string
	Update       []string
	Remove       []string
	Neutered     []string
}

// History reads and appends to a prefix's conda-meta/history file.
type History struct {
	path string
}

// NewHistory builds a History for prefix.
func NewHistory(prefix string) *History {
	return &History{path: filepath.Join(prefix, condaMetaDir, historyFileName)}
}

// parseBlock is one raw "==> ... <==" section before comment lines are
// interpreted into a HistoryEntry.
type parseBlock struct {
	headLine string
	comments []string
	diff     []string
}

// Parse reads every block in the history file. A missing file parses
// to no entries, not an error.
func (h *History) Parse() ([]HistoryEntry, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errtax.NewIo(h.path, err)
	}
	defer f.Close()

	var blocks []*parseBlock
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if m := headLineRe.FindStringSubmatch(line); m != nil {
			blocks = append(blocks, &parseBlock{headLine: m[1]})
			continue
		}
		if len(blocks) == 0 {
			blocks = append(blocks, &parseBlock{})
		}
		cur := blocks[len(blocks)-1]
		if strings.HasPrefix(line, "#") {
			cur.comments = append(cur.comments, line)
		} else {
			cur.diff = append(cur.diff, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errtax.NewIo(h.path, err)
	}

	entries := make([]HistoryEntry, 0, len(blocks))
	for _, b := range blocks {
		entry := HistoryEntry{Date: b.headLine}
		for _, c := range b.comments {
			parseCommentLine(c, &entry)
		}
		for _, d := range b.diff {
			switch {
			case strings.HasPrefix(d, "-"):
				entry.UnlinkDists = append(entry.UnlinkDists, d[1:])
			case strings.HasPrefix(d, "+"):
				entry.LinkDists = append(entry.LinkDists, d[1:])
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseCommentLine interprets one "# key: value" line, filling in the
// matching HistoryEntry field. Unrecognized keys are ignored.
func parseCommentLine(line string, entry *HistoryEntry) {
	body := strings.TrimPrefix(line, "#")
	colon := strings.IndexByte(body, ':')
	if colon < 0 {
		return
	}
	key := strings.TrimSpace(body[:colon])
	value := strings.TrimSpace(body[colon+1:])

	switch {
	case key == "conda version":
		entry.CondaVersion = value
	case key == "cmd":
		entry.Cmd = value
	case strings.HasSuffix(key, " specs"):
		action := strings.SplitN(key, " ", 2)[0]
		specs := parseQuotedSpecList(value)
		switch action {
		case "update", "install", "create":
			entry.Update = specs
		case "remove", "uninstall":
			entry.Remove = specs
		case "neutered":
			entry.Neutered = specs
		}
	}
}

// parseQuotedSpecList extracts quoted elements from the Python-repr
// list syntax the history file records specs in, e.g.
// `["numpy", "python >=3.8"]`.
func parseQuotedSpecList(value string) []string {
	var specs []string
	var quote byte
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		if !inQuotes {
			if c == '\'' || c == '"' {
				inQuotes = true
				quote = c
				cur.Reset()
			}
			continue
		}
		if c == quote {
			inQuotes = false
			specs = append(specs, cur.String())
			continue
		}
		cur.WriteByte(c)
	}
	return specs
}

// RequestedSpecs replays every entry's update/remove/neutered specs in
// order, producing the name -> most-recent-MatchSpec-string map that
// represents what the user actually asked for across the prefix's
// whole history (spec.md §6.2's "requested specs" notion).
func (h *History) RequestedSpecs() (map[string]string, error) {
	entries, err := h.Parse()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, entry := range entries {
		for _, s := range entry.Remove {
			name, err := specName(s)
			if err != nil {
				return nil, err
			}
			delete(out, name)
		}
		for _, s := range entry.Update {
			name, err := specName(s)
			if err != nil {
				return nil, err
			}
			out[name] = s
		}
		for _, s := range entry.Neutered {
			name, err := specName(s)
			if err != nil {
				return nil, err
			}
			out[name] = s
		}
	}
	return out, nil
}

func specName(s string) (string, error) {
	ms, err := matchspec.Parse(s)
	if err != nil {
		return "", err
	}
	return ms.Name.String(), nil
}

// AddEntry appends entry as a new "==> date <==" block, creating the
// history file (and its conda-meta directory) if needed.
func (h *History) AddEntry(entry HistoryEntry) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return errtax.NewIo(h.path, err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errtax.NewIo(h.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "==> %s <==\n", entry.Date)
	fmt.Fprintf(w, "# cmd: %s\n", entry.Cmd)
	fmt.Fprintf(w, "# conda version: %s\n", entry.CondaVersion)
	for _, d := range entry.UnlinkDists {
		fmt.Fprintf(w, "-%s\n", d)
	}
	for _, d := range entry.LinkDists {
		fmt.Fprintf(w, "+%s\n", d)
	}
	writeSpecsLine(w, "update", entry.Update)
	writeSpecsLine(w, "remove", entry.Remove)
	writeSpecsLine(w, "neutered", entry.Neutered)
	return w.Flush()
}

func writeSpecsLine(w *bufio.Writer, action string, specs []string) {
	if len(specs) == 0 {
		return
	}
	quoted := make([]string, len(specs))
	for i, s := range specs {
		quoted[i] = strconv.Quote(s)
	}
	fmt.Fprintf(w, "# %s specs: [%s]\n", action, strings.Join(quoted, ", "))
}
