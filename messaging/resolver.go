package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/glimte/mmate-bridge/contracts"
)

// StaticResolver resolves targets from a fixed table.
type StaticResolver struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{routes: make(map[string]string)}
}

// Add maps a target to an address. The target's version is ignored.
func (r *StaticResolver) Add(target contracts.Target, address string) *StaticResolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[staticKey(target)] = address
	return r
}

// Resolve implements TargetResolver.
func (r *StaticResolver) Resolve(_ context.Context, target contracts.Target) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.routes[staticKey(target)]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s", contracts.ErrTargetNotFound, target)
}

func staticKey(t contracts.Target) string {
	t.Version = ""
	return t.String()
}

// ChainResolver tries each resolver in order and returns the first address
// found. When all fail the errors are joined.
type ChainResolver []TargetResolver

// Resolve implements TargetResolver.
func (c ChainResolver) Resolve(ctx context.Context, target contracts.Target) (string, error) {
	errs := make([]error, 0, len(c))
	for _, r := range c {
		addr, err := r.Resolve(ctx, target)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", contracts.ErrTargetNotFound, target)
	}
	return "", errors.Join(errs...)
}

// ContractResolver resolves targets against registered endpoint contracts.
// When several contracts match, the highest version wins.
type ContractResolver struct {
	mu        sync.RWMutex
	contracts []contracts.EndpointContract
}

// NewContractResolver creates a resolver over the given contracts.
func NewContractResolver(cs ...contracts.EndpointContract) (*ContractResolver, error) {
	r := &ContractResolver{}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a contract.
func (r *ContractResolver) Register(c contracts.EndpointContract) error {
	if !c.IsValid() {
		return &contracts.ConfigError{Component: "contract resolver", Field: "contract", Err: fmt.Errorf("contract %q is incomplete", c.EndpointID)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts = append(r.contracts, c)
	return nil
}

// Contracts returns the registered contracts.
func (r *ContractResolver) Contracts() []contracts.EndpointContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.EndpointContract, len(r.contracts))
	copy(out, r.contracts)
	return out
}

// Resolve implements TargetResolver.
func (r *ContractResolver) Resolve(_ context.Context, target contracts.Target) (string, error) {
	r.mu.RLock()
	var matches []contracts.EndpointContract
	for i := range r.contracts {
		if r.contracts[i].MatchesTarget(target) {
			matches = append(matches, r.contracts[i])
		}
	}
	r.mu.RUnlock()

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", contracts.ErrTargetNotFound, target)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return newerThan(matches[i].Version, matches[j].Version)
	})
	return matches[0].Address, nil
}

// newerThan orders valid semver before invalid versions and higher before lower.
func newerThan(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return false
	case errA != nil:
		return false
	case errB != nil:
		return true
	default:
		return va.GreaterThan(vb)
	}
}
