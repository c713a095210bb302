package contracts

import (
	"strings"
	"time"
)

// PropertyFilter decides which properties survive a copy across a boundary.
type PropertyFilter interface {
	Accept(name string, value interface{}) bool
}

// PropertyFilterFunc adapts a function to PropertyFilter.
type PropertyFilterFunc func(name string, value interface{}) bool

// Accept implements PropertyFilter.
func (f PropertyFilterFunc) Accept(name string, value interface{}) bool {
	return f(name, value)
}

// SerializablePropertyFilter keeps scalar values only. Maps, slices and
// anything that has no stable wire form are dropped.
type SerializablePropertyFilter struct{}

// Accept implements PropertyFilter.
func (SerializablePropertyFilter) Accept(_ string, value interface{}) bool {
	switch value.(type) {
	case string, bool, []byte, time.Time,
		int, int8, int16, int32, int64,
		uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// PrefixPropertyFilter drops properties whose name starts with one of the
// prefixes.
type PrefixPropertyFilter struct {
	Prefixes []string
}

// Accept implements PropertyFilter.
func (f PrefixPropertyFilter) Accept(name string, _ interface{}) bool {
	for _, p := range f.Prefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

// AllPropertyFilters accepts a property only if every filter accepts it.
func AllPropertyFilters(filters ...PropertyFilter) PropertyFilter {
	return PropertyFilterFunc(func(name string, value interface{}) bool {
		for _, f := range filters {
			if !f.Accept(name, value) {
				return false
			}
		}
		return true
	})
}
