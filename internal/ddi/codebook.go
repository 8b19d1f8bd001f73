package ddi

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var identLike = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ParseHTMLCodebook extracts last-resort metadata from an HTML codebook of the
// kind the Nesstar publisher emits alongside a study: a study title and a flat
// name/label variable list.
//
// This is a weaker source than a DDI descriptor. It never yields positions,
// types, or categories, so it only serves as a final metadata candidate when
// no XML descriptor parses. Tables are scanned for two-cell rows whose first
// cell looks like a variable identifier; everything else is ignored.
func ParseHTMLCodebook(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open codebook: %w", err)
	}
	defer f.Close()

	gq, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse codebook html: %w", err)
	}

	doc := &Document{}

	doc.Title = strings.TrimSpace(gq.Find("title").First().Text())
	if doc.Title == "" {
		doc.Title = strings.TrimSpace(gq.Find("h1").First().Text())
	}

	seen := map[string]struct{}{}
	gq.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() != 2 {
			return
		}
		name := strings.TrimSpace(cells.Eq(0).Text())
		label := strings.TrimSpace(cells.Eq(1).Text())
		if name == "" || label == "" || !identLike.MatchString(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		doc.Variables = append(doc.Variables, Variable{
			Name:     name,
			Label:    label,
			DataType: "string",
		})
	})

	return doc, nil
}
