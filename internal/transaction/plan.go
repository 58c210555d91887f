package transaction

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/solver"
)

// PlanEntry is one printable row of a Plan: an action plus the package
// fields a user needs to approve it (spec.md §4.8 step 1: "name,
// version, build, channel, size columns").
type PlanEntry struct {
	Kind               solver.ActionKind
	Name               string
	OldVersion, NewVersion string
	OldBuild, NewBuild     string
	Channel                string
	Size                   int64
}

// Plan is the printable, confirmable rendering of a Solution, built
// before any package is downloaded or linked.
type Plan struct {
	Entries []PlanEntry
}

// BuildPlan derives a Plan from sol, skipping Omit actions — an
// already-satisfied request has nothing to show the user.
func BuildPlan(sol *solver.Solution) *Plan {
	p := &Plan{}
	for _, a := range sol.Actions {
		if a.Kind == solver.ActionOmit {
			continue
		}
		entry := PlanEntry{Kind: a.Kind}
		if a.Remove != nil {
			entry.Name = a.Remove.Name
			entry.OldVersion = a.Remove.Version.String()
			entry.OldBuild = a.Remove.BuildString
		}
		if a.Install != nil {
			entry.Name = a.Install.Name
			entry.NewVersion = a.Install.Version.String()
			entry.NewBuild = a.Install.BuildString
			entry.Channel = a.Install.ChannelID
			entry.Size = a.Install.Size
		}
		p.Entries = append(p.Entries, entry)
	}
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].Name < p.Entries[j].Name })
	return p
}

// DownloadSize sums the size, in bytes, of every package this plan will
// fetch — every Install-carrying entry except a plain Remove.
func (p *Plan) DownloadSize() int64 {
	var total int64
	for _, e := range p.Entries {
		if e.Kind != solver.ActionRemove {
			total += e.Size
		}
	}
	return total
}

// Fprint writes p as an aligned text table to w, one row per entry.
func (p *Plan) Fprint(w io.Writer) {
	if len(p.Entries) == 0 {
		fmt.Fprintln(w, "# All requested packages already installed.")
		return
	}
	fmt.Fprintf(w, "%-10s %-24s %-12s %-12s %-16s\n", "action", "name", "old", "new", "channel")
	for _, e := range p.Entries {
		old := e.OldVersion
		if old != "" && e.OldBuild != "" {
			old = old + "=" + e.OldBuild
		}
		nw := e.NewVersion
		if nw != "" && e.NewBuild != "" {
			nw = nw + "=" + e.NewBuild
		}
		fmt.Fprintf(w, "%-10s %-24s %-12s %-12s %-16s\n", e.Kind.String(), e.Name, old, nw, e.Channel)
	}
	fmt.Fprintf(w, "\nDownload size: %s\n", humanSize(p.DownloadSize()))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Confirm reads a single line from r and reports whether it affirms the
// plan ("y" or "yes", case-insensitively; anything else, including an
// empty line, declines).
func Confirm(r io.Reader) bool {
	var line string
	if _, err := fmt.Fscanln(r, &line); err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
