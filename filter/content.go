package filter

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/tidwall/gjson"
)

// JSONPath matches JSON payloads where the gjson path resolves to a value
// whose string form equals want.
func JSONPath(path, want string) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		r, ok := jsonResult(ex, path)
		return ok && r.String() == want
	})
}

// JSONPathExists matches JSON payloads where the gjson path resolves.
func JSONPathExists(path string) Predicate {
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		_, ok := jsonResult(ex, path)
		return ok
	})
}

func jsonResult(ex *contracts.Exchange, path string) (gjson.Result, bool) {
	content, ok := requestContent(ex)
	if !ok || !gjson.ValidBytes(content) {
		return gjson.Result{}, false
	}
	r := gjson.GetBytes(content, path)
	return r, r.Exists()
}

// XPath matches XML payloads where an element selected by path has text
// equal to want. The path is compiled up front; an invalid path is an error.
func XPath(path, want string) (Predicate, error) {
	compiled, err := etree.CompilePath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: xpath %q: %v", ErrInvalidSpec, path, err)
	}
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		for _, el := range xmlElements(ex, compiled) {
			if strings.TrimSpace(el.Text()) == want {
				return true
			}
		}
		return false
	}), nil
}

// XPathExists matches XML payloads where path selects at least one element.
func XPathExists(path string) (Predicate, error) {
	compiled, err := etree.CompilePath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: xpath %q: %v", ErrInvalidSpec, path, err)
	}
	return PredicateFunc(func(ex *contracts.Exchange) bool {
		return len(xmlElements(ex, compiled)) > 0
	}), nil
}

func xmlElements(ex *contracts.Exchange, path etree.Path) []*etree.Element {
	content, ok := requestContent(ex)
	if !ok || len(content) == 0 {
		return nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		return nil
	}
	return doc.FindElementsPath(path)
}
