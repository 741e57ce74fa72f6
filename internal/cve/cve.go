// Package cve finds vulnerability identifiers in free text and in every
// textual surface of an XML document.
package cve

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
)

var pattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,7}`)

// Find returns all identifiers found in s in order of appearance.
func Find(s string) []string {
	return pattern.FindAllString(s, -1)
}

// Set is a deduplicated collection of identifiers.
type Set map[string]struct{}

func (s Set) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// AddText adds every identifier found in text.
func (s Set) AddText(text string) {
	s.Add(Find(text)...)
}

// Union adds all identifiers of o to s.
func (s Set) Union(o Set) {
	for id := range o {
		s[id] = struct{}{}
	}
}

// Sorted returns the identifiers as a sorted slice, never nil.
func (s Set) Sorted() []string {
	ret := make([]string, 0, len(s))
	for id := range s {
		ret = append(ret, id)
	}
	slices.Sort(ret)
	return ret
}

// AddElement scans a start element: its name and the names and values of
// all its attributes.
func (s Set) AddElement(se xml.StartElement) {
	s.AddText(qname(se.Name))
	for _, attr := range se.Attr {
		s.AddText(qname(attr.Name))
		s.AddText(attr.Value)
	}
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// Scope receives identifiers of one element subtree.
type Scope struct {
	// Element is a local name of the element opening the scope, e.g. "host"
	Element string
	// Depth restricts the scope to elements at the given nesting level,
	// the root element is at 1. Zero matches any level.
	Depth int
	// Found is called when the scope element closes, index is zero based
	// order of the element in a document.
	Found func(index int, ids Set)
}

// ScanXML walks all tokens of an XML document and returns the identifiers
// found anywhere in it. Optional scopes collect the identifiers of every
// subtree opened by a matching element separately.
func ScanXML(r io.Reader, scopes ...Scope) (Set, error) {
	global := make(Set)

	type open struct {
		scope int
		index int
		depth int
		ids   Set
	}
	var stack []open
	counters := make([]int, len(scopes))

	dec := xml.NewDecoder(r)
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading xml token: %w", err)
		}

		var found Set
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			for i, scope := range scopes {
				if t.Name.Local == scope.Element && (scope.Depth == 0 || scope.Depth == depth) {
					stack = append(stack, open{scope: i, index: counters[i], depth: depth, ids: make(Set)})
					counters[i]++
				}
			}
			found = make(Set)
			found.AddElement(t)
		case xml.EndElement:
			for len(stack) > 0 && stack[len(stack)-1].depth == depth {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if f := scopes[top.scope].Found; f != nil {
					f(top.index, top.ids)
				}
			}
			depth--
		case xml.CharData:
			found = make(Set)
			found.AddText(string(t))
		case xml.Comment:
			found = make(Set)
			found.AddText(string(t))
		}

		if len(found) == 0 {
			continue
		}
		global.Union(found)
		for _, o := range stack {
			o.ids.Union(found)
		}
	}
	return global, nil
}
