// Package envexport implements the environment YAML round-trip of
// spec.md §6.3: reading and writing the "name/channels/dependencies/
// variables" document a prefix is created from or exported to,
// including the pip: sub-list and sel(platform): selector forms
// libmamba's environment loader accepts.
package envexport

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

// Environment is the in-memory form of an environment.yml document.
type Environment struct {
	Name         string            `yaml:"name,omitempty"`
	Channels     []string          `yaml:"channels,omitempty"`
	Dependencies []Dependency      `yaml:"dependencies,omitempty"`
	Variables    map[string]string `yaml:"variables,omitempty"`
	Prefix       string            `yaml:"prefix,omitempty"`
}

var selectorRe = regexp.MustCompile(`^sel\(([a-zA-Z0-9_-]+)\)$`)

// Dependency is one entry of a dependencies: list. Exactly one of the
// three forms applies:
//   - a plain conda MatchSpec string ("numpy >=1.20"), held in Spec
//   - a "pip:" sub-list, held in Pip
//   - a "sel(<platform>): <spec>" mapping, holding the platform name in
//     Selector and the guarded spec string in Spec
type Dependency struct {
	Spec     string
	Pip      []string
	Selector string
}

// UnmarshalYAML decodes a dependencies: list entry, which is either a
// bare scalar spec string or a single-key mapping ("pip:" or
// "sel(platform):").
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d.Spec = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return errtax.NewParse("environment dependency", node.Value, "expected a single-key mapping")
		}
		key := node.Content[0].Value
		value := node.Content[1]

		if key == "pip" {
			var pip []string
			if err := value.Decode(&pip); err != nil {
				return errtax.NewParse("environment dependency", key, err.Error())
			}
			d.Pip = pip
			return nil
		}
		if m := selectorRe.FindStringSubmatch(key); m != nil {
			d.Selector = m[1]
			return value.Decode(&d.Spec)
		}
		return errtax.NewParse("environment dependency", key, "unrecognized dependency mapping key")
	default:
		return errtax.NewParse("environment dependency", node.Value, "expected a scalar or mapping dependency entry")
	}
}

// MarshalYAML encodes a Dependency back into whichever of the three
// forms it was built from.
func (d Dependency) MarshalYAML() (interface{}, error) {
	switch {
	case d.Pip != nil:
		return map[string][]string{"pip": d.Pip}, nil
	case d.Selector != "":
		return map[string]string{fmt.Sprintf("sel(%s)", d.Selector): d.Spec}, nil
	default:
		return d.Spec, nil
	}
}

// Load reads and parses an environment.yml document at path.
func Load(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtax.NewIo(path, err)
	}
	var env Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, errtax.NewCacheCorrupted(path, err)
	}
	return &env, nil
}

// Save writes env as an environment.yml document at path.
func Save(path string, env *Environment) error {
	data, err := yaml.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errtax.NewIo(path, err)
	}
	return nil
}

// FromInstalled builds an Environment from a solved/installed package
// set plus the channels they came from, for "conda env export"-style
// output: one dependency entry per condaSpecs string, in the order
// given, followed by a "pip:" sub-list (if pipSpecs is non-empty)
// holding pipSpecs as given. The strings are neither reformatted nor
// sorted here.
func FromInstalled(name string, channels []string, condaSpecs []string, pipSpecs []string) *Environment {
	env := &Environment{Name: name, Channels: channels}
	for _, s := range condaSpecs {
		env.Dependencies = append(env.Dependencies, Dependency{Spec: s})
	}
	if len(pipSpecs) > 0 {
		env.Dependencies = append(env.Dependencies, Dependency{Pip: pipSpecs})
	}
	return env
}

// CondaDependencies returns every plain (non-pip, non-selector) spec
// string in order — the specs a solve would feed back in as roots.
func (e *Environment) CondaDependencies() []string {
	var out []string
	for _, d := range e.Dependencies {
		if d.Pip == nil && d.Selector == "" {
			out = append(out, d.Spec)
		}
	}
	return out
}

// PipDependencies returns the concatenation of every "pip:" sub-list's
// entries, in document order.
func (e *Environment) PipDependencies() []string {
	var out []string
	for _, d := range e.Dependencies {
		out = append(out, d.Pip...)
	}
	return out
}

// SelectedDependencies returns every spec whose "sel(platform):" guard
// matches platform, plus every unguarded plain spec.
func (e *Environment) SelectedDependencies(platform string) []string {
	var out []string
	for _, d := range e.Dependencies {
		if d.Pip != nil {
			continue
		}
		if d.Selector != "" && d.Selector != platform {
			continue
		}
		out = append(out, d.Spec)
	}
	return out
}
