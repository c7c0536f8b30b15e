// Package feed extracts post records from a gateway response, trying a
// syndication-feed parse first and falling back to scraping raw HTML when
// the gateway's syndication route is degraded.
package feed

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one extracted post, prior to being written into the store.
type Entry struct {
	ID        string
	Title     string
	Summary   string
	Link      string
	Published string
	Raw       json.RawMessage
}

// StatusPattern matches the nitter-family "/status/<digits>" permalink
// fragment used by the HTML fallback. Exposed as a variable so deployments
// pointed at a different upstream can swap in their own pattern.
var StatusPattern = regexp.MustCompile(`/status/(\d+)`)

// Parser extracts Entry records from a gateway HTTP response body.
type Parser struct {
	fp *gofeed.Parser
}

// New creates a Parser.
func New() *Parser {
	return &Parser{fp: gofeed.NewParser()}
}

// Parse tries a syndication-feed parse of body first; if that yields no
// entries and contentType does not mention "xml", it falls back to
// scanning body as raw HTML for status-permalink occurrences.
func (p *Parser) Parse(body []byte, contentType string) []Entry {
	entries := p.parseFeed(body)
	if len(entries) == 0 && !strings.Contains(contentType, "xml") {
		entries = p.parseHTML(string(body))
	}
	return entries
}

// parseFeed extracts entries via syndication-feed parsing. A feed parse
// error yields the empty sequence rather than propagating — a malformed
// or non-feed body is simply not this strategy's concern.
func (p *Parser) parseFeed(body []byte) []Entry {
	parsed, err := p.fp.ParseString(string(body))
	if err != nil {
		return nil
	}
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		// entry.id or entry.guid, falling back to the link: gofeed's GUID
		// field plays the role of feedparser's entry.id/entry.guid.
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		if id == "" {
			continue
		}
		raw, marshalErr := json.Marshal(item)
		if marshalErr != nil {
			raw = json.RawMessage("{}")
		}
		published := item.Published
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC().Format(time.RFC3339)
		}
		entries = append(entries, Entry{
			ID:        id,
			Title:     item.Title,
			Summary:   item.Description,
			Link:      item.Link,
			Published: published,
			Raw:       raw,
		})
	}
	return entries
}

// parseHTML scans body for "/status/<digits>" occurrences, synthesizing
// one entry per match whose summary is a whitespace-normalized window
// running from 200 characters before the match's start to 200 characters
// after it (clipped to the body's bounds).
func (p *Parser) parseHTML(body string) []Entry {
	matches := StatusPattern.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		start := m[0]
		id := body[m[2]:m[3]]

		winStart := start - 200
		if winStart < 0 {
			winStart = 0
		}
		winEnd := start + 200
		if winEnd > len(body) {
			winEnd = len(body)
		}
		excerpt := normalizeWhitespace(body[winStart:winEnd])

		raw, _ := json.Marshal(map[string]string{"excerpt": excerpt})
		entries = append(entries, Entry{
			ID:        id,
			Title:     "Tweet",
			Summary:   excerpt,
			Link:      id,
			Published: "",
			Raw:       raw,
		})
	}
	return entries
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
