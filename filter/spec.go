package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-bridge/contracts"
)

// ErrInvalidSpec is returned for filter configurations that cannot be built
var ErrInvalidSpec = errors.New("filter: invalid spec")

// Spec kinds
const (
	KindAlways   = "always"
	KindNever    = "never"
	KindAll      = "all"
	KindAny      = "any"
	KindNot      = "not"
	KindPattern  = "pattern"
	KindProperty = "property"
	KindContains = "contains"
	KindJSON     = "json"
	KindXML      = "xml"
)

// Spec describes a predicate in configuration.
//
// For property, json and xml kinds an empty Value tests for presence only.
type Spec struct {
	Kind     string   `yaml:"kind" json:"kind"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Path     string   `yaml:"path,omitempty" json:"path,omitempty"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Children []Spec   `yaml:"children,omitempty" json:"children,omitempty"`
}

// Build turns a spec into a predicate. A zero spec builds Always.
func Build(s Spec) (Predicate, error) {
	switch strings.ToLower(s.Kind) {
	case "", KindAlways:
		return Always(), nil
	case KindNever:
		return Never(), nil
	case KindAll, KindAny:
		children, err := buildAll(s.Children)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(s.Kind, KindAll) {
			return And(children...), nil
		}
		return Or(children...), nil
	case KindNot:
		if len(s.Children) != 1 {
			return nil, fmt.Errorf("%w: not takes exactly one child, got %d", ErrInvalidSpec, len(s.Children))
		}
		child, err := Build(s.Children[0])
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	case KindPattern:
		if len(s.Patterns) == 0 {
			return nil, fmt.Errorf("%w: pattern needs at least one pattern", ErrInvalidSpec)
		}
		patterns := make([]contracts.Pattern, 0, len(s.Patterns))
		for _, name := range s.Patterns {
			p, err := contracts.ParsePattern(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
			}
			patterns = append(patterns, p)
		}
		return PatternIs(patterns...), nil
	case KindProperty:
		if s.Name == "" {
			return nil, fmt.Errorf("%w: property needs a name", ErrInvalidSpec)
		}
		if s.Value == "" {
			return PropertyExists(s.Name), nil
		}
		return PropertyString(s.Name, s.Value), nil
	case KindContains:
		if s.Value == "" {
			return nil, fmt.Errorf("%w: contains needs a value", ErrInvalidSpec)
		}
		return ContentContains(s.Value), nil
	case KindJSON:
		if s.Path == "" {
			return nil, fmt.Errorf("%w: json needs a path", ErrInvalidSpec)
		}
		if s.Value == "" {
			return JSONPathExists(s.Path), nil
		}
		return JSONPath(s.Path, s.Value), nil
	case KindXML:
		if s.Path == "" {
			return nil, fmt.Errorf("%w: xml needs a path", ErrInvalidSpec)
		}
		if s.Value == "" {
			return XPathExists(s.Path)
		}
		return XPath(s.Path, s.Value)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
}

func buildAll(specs []Spec) ([]Predicate, error) {
	out := make([]Predicate, 0, len(specs))
	for i, s := range specs {
		p, err := Build(s)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
