package cellar

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PubspecName is the manifest filename every package carries at its root.
const PubspecName = "pubspec.yaml"

var packageNameRx = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// A Pubspec is the parsed manifest of a concrete package. It is immutable
// once loaded.
type Pubspec struct {
	Name    string
	Version Version

	// SDK is the package's SDK constraint; nil when the pubspec declares
	// none.
	SDK Constraint

	Dependencies    []Dependency
	DevDependencies []Dependency
}

// HasVersion reports whether the pubspec declared a version.
func (p *Pubspec) HasVersion() bool { return !p.Version.IsZero() }

// EffectiveVersion is the declared version, or 0.0.0 for version-less
// pubspecs (path and git packages commonly omit it).
func (p *Pubspec) EffectiveVersion() Version {
	if p.Version.IsZero() {
		return zeroVersion
	}
	return p.Version
}

type rawPubspec struct {
	Name            string               `yaml:"name"`
	Version         string               `yaml:"version"`
	SDK             string               `yaml:"sdk"`
	Dependencies    map[string]yaml.Node `yaml:"dependencies"`
	DevDependencies map[string]yaml.Node `yaml:"dev_dependencies"`
}

// LoadPubspec reads and parses dir/pubspec.yaml.
func LoadPubspec(dir string, reg *Registry) (*Pubspec, error) {
	path := filepath.Join(dir, PubspecName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	ps, err := ParsePubspec(data, dir, reg)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return ps, nil
}

// ParsePubspec parses a pubspec document. containingDir anchors relative
// path dependencies.
func ParsePubspec(data []byte, containingDir string, reg *Registry) (*Pubspec, error) {
	var raw rawPubspec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{What: "pubspec", Raw: "document", Err: err}
	}

	if raw.Name == "" {
		return nil, &ParseError{What: "pubspec", Raw: "name", Err: errors.New("missing required field")}
	}
	if !packageNameRx.MatchString(raw.Name) {
		return nil, &ParseError{What: "package name", Raw: raw.Name, Err: errors.New("must be a lowercase identifier")}
	}

	ps := &Pubspec{Name: raw.Name}

	if raw.Version != "" {
		v, err := NewVersion(raw.Version)
		if err != nil {
			return nil, err
		}
		ps.Version = v
	}

	if raw.SDK != "" {
		c, err := ParseConstraint(raw.SDK)
		if err != nil {
			return nil, err
		}
		ps.SDK = c
	}

	seen := make(map[string]bool)
	var err error
	ps.Dependencies, err = parseDependencyMap(raw.Dependencies, containingDir, reg, seen)
	if err != nil {
		return nil, err
	}
	ps.DevDependencies, err = parseDependencyMap(raw.DevDependencies, containingDir, reg, seen)
	if err != nil {
		return nil, err
	}

	return ps, nil
}

// parseDependencyMap converts a pubspec dependency block. Entries come out
// sorted by name so downstream iteration is deterministic; seen spans both
// the regular and dev blocks to catch duplicates across them.
func parseDependencyMap(m map[string]yaml.Node, containingDir string, reg *Registry, seen map[string]bool) ([]Dependency, error) {
	if len(m) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make([]Dependency, 0, len(names))
	for _, name := range names {
		if !packageNameRx.MatchString(name) {
			return nil, &ParseError{What: "dependency name", Raw: name, Err: errors.New("must be a lowercase identifier")}
		}
		if seen[name] {
			return nil, &ParseError{What: "dependency", Raw: name, Err: errors.New("listed more than once")}
		}
		seen[name] = true

		node := m[name]
		dep, err := parseDependencySpec(name, &node, containingDir, reg)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// parseDependencySpec handles the two spec shapes: a bare constraint string
// (implying the default source), or a map carrying a source-name key with
// the source-specific value plus an optional version key.
func parseDependencySpec(name string, node *yaml.Node, containingDir string, reg *Registry) (Dependency, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var body string
		if err := node.Decode(&body); err != nil {
			return Dependency{}, &ParseError{What: "dependency", Raw: name, Err: err}
		}
		c, err := ParseConstraint(body)
		if err != nil {
			return Dependency{}, err
		}
		src := reg.Default()
		desc, err := src.ParseDescription(containingDir, name, false)
		if err != nil {
			return Dependency{}, err
		}
		return Dependency{
			Ref:        PackageRef{Name: name, Source: src.Name(), Description: desc},
			Constraint: c,
		}, nil

	case yaml.MappingNode:
		var fields map[string]yaml.Node
		if err := node.Decode(&fields); err != nil {
			return Dependency{}, &ParseError{What: "dependency", Raw: name, Err: err}
		}

		c := Constraint(anyC)
		if vnode, has := fields["version"]; has {
			var body string
			if err := vnode.Decode(&body); err != nil {
				return Dependency{}, &ParseError{What: "dependency version", Raw: name, Err: err}
			}
			parsed, err := ParseConstraint(body)
			if err != nil {
				return Dependency{}, err
			}
			c = parsed
			delete(fields, "version")
		}

		if len(fields) != 1 {
			return Dependency{}, &ParseError{What: "dependency", Raw: name,
				Err: errors.New("expected exactly one source key")}
		}

		for srcName, vnode := range fields {
			src, err := reg.Get(srcName)
			if err != nil {
				return Dependency{}, &ParseError{What: "dependency source", Raw: srcName, Err: err}
			}
			var rawDesc interface{}
			if err := vnode.Decode(&rawDesc); err != nil {
				return Dependency{}, &ParseError{What: "dependency description", Raw: name, Err: err}
			}
			desc, err := src.ParseDescription(containingDir, rawDesc, false)
			if err != nil {
				return Dependency{}, err
			}
			return Dependency{
				Ref:        PackageRef{Name: name, Source: src.Name(), Description: desc},
				Constraint: c,
			}, nil
		}
	}

	return Dependency{}, &ParseError{What: "dependency", Raw: name, Err: errors.New("expected a constraint string or a source map")}
}
