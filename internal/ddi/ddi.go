// Package ddi parses DDI-XML and Nesstar .nsdstat metadata descriptors into a
// normalized variable list.
//
// Both dialects are handled with namespace-agnostic element-name matching:
// documents in the wild carry a mix of namespaced, unnamespaced, and
// differently-cased markup, so matching on the local name is the only approach
// that survives real exports. A malformed individual variable never aborts the
// parse; only an unparseable document is a hard error.
package ddi

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Variable is one normalized variable definition from a descriptor.
//
// StartPos and Width are 1-based and only present for fixed-width data; nil
// means the descriptor did not carry usable position information.
type Variable struct {
	Name          string     `json:"name"`
	Label         string     `json:"label"`
	DataType      string     `json:"data_type"` // "numeric" or "string"
	StartPos      *int       `json:"start_pos,omitempty"`
	Width         *int       `json:"width,omitempty"`
	Decimals      int        `json:"decimals"`
	Categories    []Category `json:"categories,omitempty"`
	MissingValues []string   `json:"missing_values,omitempty"`
	Universe      string     `json:"universe,omitempty"`
	Concept       string     `json:"concept,omitempty"`
	Question      string     `json:"question,omitempty"`
}

// Category is one category entry (code, label, optional frequency).
type Category struct {
	Code      string `json:"code"`
	Label     string `json:"label"`
	Frequency *int   `json:"frequency,omitempty"`
}

// Document is the normalized parse result.
type Document struct {
	Title     string     `json:"title"`
	Variables []Variable `json:"variables"`
}

// Empty reports whether the parse yielded neither a title nor any variables.
// The directory processor uses this to fall through to the next metadata
// candidate.
func (d *Document) Empty() bool {
	return d == nil || (d.Title == "" && len(d.Variables) == 0)
}

// LabelMaps returns variable name -> category code -> label for every variable
// that carries categories, in the shape frame.ApplyLabels consumes. Variables
// without categories are omitted.
func (d *Document) LabelMaps() map[string]map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]map[string]string)
	for _, v := range d.Variables {
		if len(v.Categories) == 0 {
			continue
		}
		byCode := make(map[string]string, len(v.Categories))
		for _, c := range v.Categories {
			if c.Code == "" || c.Label == "" {
				continue
			}
			byCode[c.Code] = c.Label
		}
		if len(byCode) > 0 {
			out[v.Name] = byCode
		}
	}
	return out
}

// node is a minimal namespace-stripped DOM. encoding/xml's struct decoding
// cannot express "any namespace, any nesting", so we build the tree by hand.
type node struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*node
}

func (n *node) attr(names ...string) string {
	for _, want := range names {
		for _, a := range n.attrs {
			if strings.EqualFold(a.Name.Local, want) {
				return strings.TrimSpace(a.Value)
			}
		}
	}
	return ""
}

func (n *node) textContent() string {
	return strings.TrimSpace(n.text.String())
}

// child returns the first direct child with the given local name.
func (n *node) child(name string) *node {
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

// childAll returns all direct children with the given local name.
func (n *node) childAll(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			out = append(out, c)
		}
	}
	return out
}

// descendants collects every descendant (any depth) with the given local name.
func (n *node) descendants(name string) []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		for _, c := range cur.children {
			if strings.EqualFold(c.name, name) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func (n *node) childText(name string) string {
	if c := n.child(name); c != nil {
		return c.textContent()
	}
	return ""
}

func buildTree(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	// Legacy descriptors are frequently latin-1 or similar; accept any charset
	// label and read bytes through. Values that matter here are ASCII names
	// and positions.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	root := &node{name: "#document"}
	stack := []*node{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: append([]xml.Attr(nil), t.Attr...)}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		}
	}
	if len(root.children) == 0 {
		return nil, fmt.Errorf("no root element")
	}
	return root, nil
}

// Parse reads a DDI or .nsdstat descriptor from disk.
//
// Errors:
//   - Returns an error if the file cannot be opened or the XML is malformed.
//     These are fatal and propagate; everything below the document level is
//     best-effort.
func Parse(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor: %w", err)
	}
	defer f.Close()
	return ParseReader(f)
}

// ParseReader is Parse for an already-open stream.
func ParseReader(r io.Reader) (*Document, error) {
	root, err := buildTree(r)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor xml: %w", err)
	}

	doc := &Document{}

	// Study title: first titl under a stdyDscr block.
	for _, sd := range root.descendants("stdyDscr") {
		if titles := sd.descendants("titl"); len(titles) > 0 {
			doc.Title = titles[0].textContent()
			break
		}
	}

	// Variables: every var under any dataDscr block.
	for _, dd := range root.descendants("dataDscr") {
		for _, v := range dd.descendants("var") {
			doc.Variables = append(doc.Variables, parseVariable(v))
		}
	}

	return doc, nil
}

// parseVariable extracts one variable. Every field is best-effort: a missing
// or malformed piece leaves the corresponding default in place.
func parseVariable(v *node) Variable {
	out := Variable{DataType: "string"}

	out.Name = v.attr("name", "ID")
	out.Label = v.childText("labl")

	if loc := v.child("location"); loc != nil {
		start := loc.attr("StartPos")
		width := loc.attr("width")
		// Some exports put the values in child elements instead of attributes.
		if start == "" {
			start = loc.childText("startPos")
		}
		if width == "" {
			width = loc.childText("width")
		}
		if n, err := strconv.Atoi(start); err == nil && n > 0 {
			out.StartPos = &n
		}
		if n, err := strconv.Atoi(width); err == nil && n > 0 {
			out.Width = &n
		}
	}

	if fmtNode := v.child("varFormat"); fmtNode != nil {
		switch strings.ToLower(fmtNode.attr("type")) {
		case "numeric":
			out.DataType = "numeric"
		default:
			out.DataType = "string"
		}
		if n, err := strconv.Atoi(fmtNode.attr("dcml")); err == nil && n >= 0 {
			out.Decimals = n
		}
	}

	for _, cat := range v.childAll("catgry") {
		code := cat.childText("catValu")
		if code == "" {
			continue
		}
		c := Category{Code: code, Label: cat.childText("labl")}
		if c.Label == "" {
			c.Label = code
		}
		for _, stat := range cat.childAll("catStat") {
			if !strings.EqualFold(stat.attr("type"), "freq") {
				continue
			}
			if n, err := strconv.Atoi(stat.textContent()); err == nil {
				c.Frequency = &n
			}
			break
		}
		out.Categories = append(out.Categories, c)
	}

	if inval := v.child("invalrng"); inval != nil {
		for _, item := range inval.descendants("item") {
			if val := item.attr("VALUE"); val != "" {
				out.MissingValues = append(out.MissingValues, val)
			}
		}
	}

	out.Universe = v.childText("universe")
	out.Concept = v.childText("concept")

	if q := v.child("qstn"); q != nil {
		if lits := q.descendants("qstnLit"); len(lits) > 0 {
			out.Question = lits[0].textContent()
		}
	}

	return out
}
