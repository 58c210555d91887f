package transaction

import (
	"bytes"
	"strings"
	"testing"

	"github.com/AlexanderEkdahl/solvent/internal/solver"
)

func TestBuildPlanSkipsOmit(t *testing.T) {
	numpy := testPkg(t, "numpy", "1.20.0")
	sol := &solver.Solution{Actions: []solver.Action{
		{Kind: solver.ActionOmit},
		{Kind: solver.ActionInstall, Install: &numpy},
	}}

	plan := BuildPlan(sol)
	if len(plan.Entries) != 1 {
		t.Fatalf("Entries = %v, want exactly the Install entry", plan.Entries)
	}
	if plan.Entries[0].Name != "numpy" {
		t.Errorf("Entries[0].Name = %q, want numpy", plan.Entries[0].Name)
	}
}

func TestPlanDownloadSizeExcludesRemoves(t *testing.T) {
	removed := testPkg(t, "six", "1.16.0")
	installed := testPkg(t, "numpy", "1.20.0")
	installed.Size = 2048

	sol := &solver.Solution{Actions: []solver.Action{
		{Kind: solver.ActionRemove, Remove: &removed},
		{Kind: solver.ActionInstall, Install: &installed},
	}}

	plan := BuildPlan(sol)
	if plan.DownloadSize() != 2048 {
		t.Errorf("DownloadSize = %d, want 2048", plan.DownloadSize())
	}
}

func TestPlanFprintEmptyPlan(t *testing.T) {
	var buf bytes.Buffer
	BuildPlan(&solver.Solution{}).Fprint(&buf)
	if !strings.Contains(buf.String(), "already installed") {
		t.Errorf("Fprint() = %q, want an already-installed notice", buf.String())
	}
}

func TestConfirmAcceptsYes(t *testing.T) {
	if !Confirm(strings.NewReader("y\n")) {
		t.Errorf("Confirm(\"y\") = false, want true")
	}
	if !Confirm(strings.NewReader("YES\n")) {
		t.Errorf("Confirm(\"YES\") = false, want true")
	}
	if Confirm(strings.NewReader("n\n")) {
		t.Errorf("Confirm(\"n\") = true, want false")
	}
}
