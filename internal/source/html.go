package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"pollwatch/internal/alert"
	"pollwatch/internal/credential"
	"pollwatch/internal/engine"
)

// Entry is one listing scraped from an HTML page.
type Entry struct {
	Title string
	URL   string
	Text  string
	Date  string
}

// Page scrapes a listing page. Each node matched by Selector is one entry;
// TitleSelector and LinkSelector are evaluated inside it and default to the
// node itself.
type Page struct {
	URL           string
	Selector      string
	TitleSelector string
	LinkSelector  string
	DateSelector  string
	Client        *Client
}

func (p *Page) Fetch(ctx context.Context, creds credential.Set) engine.Result {
	body, status, err := p.Client.Get(ctx, p.URL, creds, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if res, ok := Classify(status, err); !ok {
		return res
	}
	entries, err := p.Parse(body)
	if err != nil {
		return engine.Result{Outcome: engine.OutcomeTransient, StatusCode: status, Err: err}
	}
	if len(entries) == 0 {
		return engine.Result{Outcome: engine.OutcomeEmpty, StatusCode: status}
	}
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	return engine.Result{Outcome: engine.OutcomeSuccess, Items: items, StatusCode: status}
}

// Parse extracts entries from an HTML document, resolving links against URL.
func (p *Page) Parse(body []byte) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(p.URL)

	var out []Entry
	doc.Find(p.Selector).Each(func(_ int, s *goquery.Selection) {
		title := pick(s, p.TitleSelector)
		link := pick(s, p.LinkSelector)
		e := Entry{
			Title: collapse(title.Text()),
			Text:  collapse(s.Text()),
		}
		if href, ok := link.Attr("href"); ok {
			e.URL = resolve(base, href)
		} else if href, ok := link.Find("a[href]").First().Attr("href"); ok {
			e.URL = resolve(base, href)
		}
		if p.DateSelector != "" {
			d := s.Find(p.DateSelector).First()
			if dt, ok := d.Attr("datetime"); ok {
				e.Date = dt
			} else {
				e.Date = collapse(d.Text())
			}
		}
		if e.Title == "" && e.URL == "" {
			return
		}
		out = append(out, e)
	})
	return out, nil
}

func pick(s *goquery.Selection, sel string) *goquery.Selection {
	if sel == "" {
		return s
	}
	if f := s.Find(sel).First(); f.Length() > 0 {
		return f
	}
	return s
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// EntryExtractor keys HTML entries by canonical URL, or by title for
// listings without links.
func EntryExtractor(raw any) (*engine.Candidate, error) {
	e, ok := raw.(Entry)
	if !ok {
		return nil, fmt.Errorf("entry extractor: unexpected item %T", raw)
	}
	key := Canonical(e.URL)
	if key == "" {
		key = "title:" + e.Title
	}
	a := alert.Alert{Title: e.Title, URL: e.URL}
	a.Ticker, a.Price = tickerOf(e.Title, e.Text)
	a.Signal = alert.Classify(e.Title)
	if t, ok := parseTime(e.Date); ok {
		a.PublishedAt = t
	}
	return &engine.Candidate{Key: key, Payload: a}, nil
}

// parenTickerRE matches "(ABCD)" style tickers used in report headlines.
var parenTickerRE = regexp.MustCompile(`\(([A-Z]{1,5})\)`)

// tickerOf tries the "$TICK"-style match in each text, then parenthesized
// tickers in the first.
func tickerOf(texts ...string) (string, decimal.NullDecimal) {
	for _, t := range texts {
		if tk, price := alert.Ticker(t); tk != "" {
			return tk, price
		}
	}
	if len(texts) > 0 {
		if m := parenTickerRE.FindStringSubmatch(texts[0]); m != nil {
			return m[1], decimal.NullDecimal{}
		}
	}
	return "", decimal.NullDecimal{}
}
