package filter

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-bridge/contracts"
)

// Predicate decides whether an exchange passes a filter. Implementations
// must not modify the exchange and must be safe for concurrent use.
type Predicate interface {
	Matches(ex *contracts.Exchange) bool
}

// PredicateFunc is a function adapter for Predicate
type PredicateFunc func(ex *contracts.Exchange) bool

// Matches implements Predicate
func (f PredicateFunc) Matches(ex *contracts.Exchange) bool {
	return f(ex)
}

// Always matches every exchange.
func Always() Predicate {
	return PredicateFunc(func(*contracts.Exchange) bool { return true })
}

// Never matches nothing.
func Never() Predicate {
	return PredicateFunc(func(*contracts.Exchange) bool { return false })
}

// And matches when all predicates match. An empty And matches everything.
func And(predicates ...Predicate) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		for _, p := range predicates {
			if !p.Matches(ex) {
				return false
			}
		}
		return true
	})
}

// Or matches when at least one predicate matches.
func Or(predicates ...Predicate) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		for _, p := range predicates {
			if p.Matches(ex) {
				return true
			}
		}
		return false
	})
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		return !p.Matches(ex)
	})
}

// PatternIs matches exchanges of any of the given patterns.
func PatternIs(patterns ...contracts.Pattern) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		if ex == nil {
			return false
		}
		for _, p := range patterns {
			if ex.Pattern() == p {
				return true
			}
		}
		return false
	})
}

// lookup finds a property on the request message, then on the exchange.
func lookup(ex *contracts.Exchange, name string) (interface{}, bool) {
	if ex == nil {
		return nil, false
	}
	if in := ex.In(); in != nil {
		if v, ok := in.Property(name); ok {
			return v, true
		}
	}
	return ex.Property(name)
}

// PropertyExists matches when the property is set on the request message or
// the exchange.
func PropertyExists(name string) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		_, ok := lookup(ex, name)
		return ok
	})
}

// PropertyEquals matches when the property deeply equals want.
func PropertyEquals(name string, want interface{}) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		v, ok := lookup(ex, name)
		return ok && reflect.DeepEqual(v, want)
	})
}

// PropertyString matches when the property's default string form equals
// want. Used for values coming from configuration.
func PropertyString(name, want string) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		v, ok := lookup(ex, name)
		return ok && fmt.Sprint(v) == want
	})
}

// ContentContains matches when the request payload contains sub.
func ContentContains(sub string) Predicate {
	needle := []byte(sub)
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		content, ok := requestContent(ex)
		return ok && bytes.Contains(content, needle)
	})
}

func requestContent(ex *contracts.Exchange) ([]byte, bool) {
	if ex == nil {
		return nil, false
	}
	in := ex.In()
	if in == nil {
		return nil, false
	}
	return in.Content, true
}
