package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Record is the structured result of parsing one document.
type Record map[string]any

// DocumentParser turns a fetched body into a Record. Implementations must not fail on
// malformed input; they return whatever they could extract.
type DocumentParser interface {
	Parse(body []byte) Record
}

// Func adapts a plain function to DocumentParser.
type Func func(body []byte) Record

func (f Func) Parse(body []byte) Record {
	return f(body)
}

type titleParser struct{}

// Default returns the fallback parser, which extracts the page title and body length.
func Default() DocumentParser {
	return titleParser{}
}

func (titleParser) Parse(body []byte) Record {
	return Record{
		"title":  extractTitle(body),
		"length": len(body),
	}
}

func extractTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
