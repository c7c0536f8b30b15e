package feed

import (
	"strings"
	"testing"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>nitter / someuser</title>
<item>
<title>someuser</title>
<description>Hello from the fediverse</description>
<link>https://nitter.example/someuser/status/12345</link>
<guid>https://nitter.example/someuser/status/12345</guid>
<pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
</item>
</channel>
</rss>`

func TestParseFeedExtractsEntry(t *testing.T) {
	p := New()
	entries := p.Parse([]byte(sampleRSS), "application/rss+xml")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != "https://nitter.example/someuser/status/12345" {
		t.Errorf("unexpected id: %q", e.ID)
	}
	if e.Summary != "Hello from the fediverse" {
		t.Errorf("unexpected summary: %q", e.Summary)
	}
	if len(e.Raw) == 0 {
		t.Error("expected raw payload to be populated")
	}
}

func TestParseFeedSkipsEntriesWithoutIdentity(t *testing.T) {
	const rss = `<rss version="2.0"><channel><item><title>no id or link</title></item></channel></rss>`
	p := New()
	entries := p.Parse([]byte(rss), "application/rss+xml")
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
}

func TestParseFallsBackToHTMLWhenFeedParseYieldsNothing(t *testing.T) {
	body := strings.Repeat("filler ", 40) + `<a href="/someuser/status/98765">tweet</a>` + strings.Repeat(" more text", 40)
	p := New()
	entries := p.Parse([]byte(body), "text/html")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry from html fallback, got %d", len(entries))
	}
	if entries[0].ID != "98765" {
		t.Errorf("unexpected id: %q", entries[0].ID)
	}
	if entries[0].Title != "Tweet" {
		t.Errorf("expected hardcoded title Tweet, got %q", entries[0].Title)
	}
}

func TestParseDoesNotFallBackForXMLContentType(t *testing.T) {
	body := "<rss version=\"2.0\"><channel></channel></rss> /status/111"
	p := New()
	entries := p.Parse([]byte(body), "application/xml")
	if len(entries) != 0 {
		t.Fatalf("expected no entries: xml content type should suppress the html fallback, got %d", len(entries))
	}
}

func TestNormalizeWhitespaceCollapsesRuns(t *testing.T) {
	got := normalizeWhitespace("  hello   \n\t world  ")
	if got != "hello world" {
		t.Errorf("got %q", got)
	}
}
