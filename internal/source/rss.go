package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"pollwatch/internal/alert"
	"pollwatch/internal/credential"
	"pollwatch/internal/engine"
)

// Feed fetches an RSS or Atom document and yields its *gofeed.Item entries.
type Feed struct {
	URL    string
	Client *Client
}

func (f *Feed) Fetch(ctx context.Context, creds credential.Set) engine.Result {
	body, status, err := f.Client.Get(ctx, f.URL, creds, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	if res, ok := Classify(status, err); !ok {
		return res
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return engine.Result{Outcome: engine.OutcomeTransient, StatusCode: status, Err: fmt.Errorf("parse feed: %w", err)}
	}
	if len(feed.Items) == 0 {
		return engine.Result{Outcome: engine.OutcomeEmpty, StatusCode: status}
	}
	items := make([]any, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, it)
	}
	return engine.Result{Outcome: engine.OutcomeSuccess, Items: items, StatusCode: status}
}

var cdataRE = regexp.MustCompile(`(?s)^\s*\[\[CDATA\[(.*?)\]\]\s*$`)

// FeedExtractor keys feed entries by canonical link, falling back to GUID.
func FeedExtractor(raw any) (*engine.Candidate, error) {
	it, ok := raw.(*gofeed.Item)
	if !ok {
		return nil, fmt.Errorf("feed extractor: unexpected item %T", raw)
	}
	title := strings.TrimSpace(cdataRE.ReplaceAllString(it.Title, "$1"))
	key := Canonical(it.Link)
	if key == "" {
		key = strings.TrimSpace(it.GUID)
	}
	if key == "" {
		return nil, nil
	}

	a := alert.Alert{Title: title, URL: strings.TrimSpace(it.Link)}
	a.Ticker, a.Price = tickerOf(title, it.Description)
	a.Signal = alert.Classify(title)
	switch {
	case it.PublishedParsed != nil:
		a.PublishedAt = *it.PublishedParsed
	case it.UpdatedParsed != nil:
		a.PublishedAt = *it.UpdatedParsed
	}
	return &engine.Candidate{Key: key, Payload: a}, nil
}

// Canonical strips query, fragment and trailing slash so cache-busted or
// tracking-tagged links collapse to one key.
func Canonical(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
