package envexport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

const sampleYAML = `name: myenv
channels:
  - conda-forge
  - defaults
dependencies:
  - python=3.10
  - numpy >=1.20
  - sel(linux): cudatoolkit
  - pip:
      - requests
      - flask
variables:
  FOO: bar
`

func TestLoadParsesAllDependencyForms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "environment.yml")
	mustWriteFile(t, path, sampleYAML)

	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if env.Name != "myenv" {
		t.Errorf("Name = %q, want myenv", env.Name)
	}
	if diff := cmp.Diff([]string{"conda-forge", "defaults"}, env.Channels); diff != "" {
		t.Errorf("Channels mismatch (-want +got):\n%s", diff)
	}
	if len(env.Dependencies) != 4 {
		t.Fatalf("Dependencies = %v, want 4 entries", env.Dependencies)
	}
	if env.Dependencies[0].Spec != "python=3.10" {
		t.Errorf("Dependencies[0] = %+v", env.Dependencies[0])
	}
	if env.Dependencies[2].Selector != "linux" || env.Dependencies[2].Spec != "cudatoolkit" {
		t.Errorf("Dependencies[2] = %+v, want selector=linux spec=cudatoolkit", env.Dependencies[2])
	}
	if diff := cmp.Diff([]string{"requests", "flask"}, env.Dependencies[3].Pip); diff != "" {
		t.Errorf("Dependencies[3].Pip mismatch (-want +got):\n%s", diff)
	}
	if env.Variables["FOO"] != "bar" {
		t.Errorf("Variables[FOO] = %q, want bar", env.Variables["FOO"])
	}
}

func TestCondaAndPipAndSelectedDependencies(t *testing.T) {
	env, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	conda := env.CondaDependencies()
	if diff := cmp.Diff([]string{"python=3.10", "numpy >=1.20"}, conda); diff != "" {
		t.Errorf("CondaDependencies mismatch (-want +got):\n%s", diff)
	}

	pip := env.PipDependencies()
	if diff := cmp.Diff([]string{"requests", "flask"}, pip); diff != "" {
		t.Errorf("PipDependencies mismatch (-want +got):\n%s", diff)
	}

	linux := env.SelectedDependencies("linux")
	if diff := cmp.Diff([]string{"python=3.10", "numpy >=1.20", "cudatoolkit"}, linux); diff != "" {
		t.Errorf("SelectedDependencies(linux) mismatch (-want +got):\n%s", diff)
	}

	osx := env.SelectedDependencies("osx")
	if diff := cmp.Diff([]string{"python=3.10", "numpy >=1.20"}, osx); diff != "" {
		t.Errorf("SelectedDependencies(osx) mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRoundTripsThroughYAML(t *testing.T) {
	env := FromInstalled("myenv", []string{"conda-forge"},
		[]string{"numpy=1.20.0=py310h1", "python=3.10.4=h0_0"},
		[]string{"requests==2.28.0"})

	dir := t.TempDir()
	path := filepath.Join(dir, "out.yml")
	if err := Save(path, env); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if diff := cmp.Diff(env.CondaDependencies(), reloaded.CondaDependencies()); diff != "" {
		t.Errorf("round-tripped conda deps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(env.PipDependencies(), reloaded.PipDependencies()); diff != "" {
		t.Errorf("round-tripped pip deps mismatch (-want +got):\n%s", diff)
	}
}

func TestDependencyUnmarshalUnknownMappingKeyErrors(t *testing.T) {
	var env Environment
	err := yaml.Unmarshal([]byte("dependencies:\n  - unknownkey: value\n"), &env)
	if err == nil {
		t.Fatalf("expected an error for an unrecognized dependency mapping key")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "environment.yml")
	mustWriteFile(t, path, sampleYAML)
	return path
}
