package contracts

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// EndpointContract describes a provider endpoint that exchanges can be
// routed to.
type EndpointContract struct {
	EndpointID  string `json:"endpointId" yaml:"endpointId"` // e.g. "order.validate"
	Version     string `json:"version" yaml:"version"`       // e.g. "1.2.0"
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	Interface   string `json:"interface,omitempty" yaml:"interface"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Address is the transport handle exchanges are delivered to.
	Address string `json:"address" yaml:"address"`

	// Patterns lists the exchange patterns the endpoint accepts. Empty
	// means all.
	Patterns []Pattern `json:"patterns,omitempty" yaml:"-"`

	InputSchema json.RawMessage `json:"inputSchema,omitempty" yaml:"-"`
	Timeout     time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
}

// IsValid checks the fields resolution relies on.
func (c *EndpointContract) IsValid() bool {
	return c.EndpointID != "" && c.Address != "" && c.ServiceName != ""
}

// Accepts reports whether the endpoint takes exchanges of pattern p.
func (c *EndpointContract) Accepts(p Pattern) bool {
	if len(c.Patterns) == 0 {
		return true
	}
	for _, allowed := range c.Patterns {
		if allowed == p {
			return true
		}
	}
	return false
}

// MatchesTarget reports whether the contract satisfies a logical target.
// The target endpoint may use '*' wildcards and the target version may be a
// semver constraint.
func (c *EndpointContract) MatchesTarget(t Target) bool {
	if t.Service != "" && t.Service != c.ServiceName {
		return false
	}
	if t.Interface != "" && t.Interface != c.Interface {
		return false
	}
	return c.Matches(t.Endpoint, t.Version)
}

// Matches checks an endpoint id pattern and a version constraint.
func (c *EndpointContract) Matches(pattern string, version string) bool {
	return c.matchesPattern(pattern) && c.matchesVersion(version)
}

func (c *EndpointContract) matchesPattern(pattern string) bool {
	if pattern == "" || pattern == c.EndpointID {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	matched, err := regexp.MatchString(expr, c.EndpointID)
	return err == nil && matched
}

func (c *EndpointContract) matchesVersion(requested string) bool {
	if requested == "" || requested == c.Version {
		return true
	}

	// "1.x" style wildcards are valid semver constraints as well
	constraint, err := semver.NewConstraint(requested)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}
