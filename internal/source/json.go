package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pollwatch/internal/alert"
	"pollwatch/internal/credential"
	"pollwatch/internal/engine"
)

// Fields names the JSON properties an API exposes per post. Dotted paths
// reach into nested objects ("author.name").
type Fields struct {
	Items string `json:"items" yaml:"items"`
	Key   string `json:"key" yaml:"key"`
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
	Date  string `json:"date" yaml:"date"`
}

func (f Fields) withDefaults() Fields {
	if f.Key == "" {
		f.Key = "id"
	}
	if f.Title == "" {
		f.Title = "title"
	}
	if f.URL == "" {
		f.URL = "canonical_url"
	}
	if f.Date == "" {
		f.Date = "post_date"
	}
	return f
}

// API fetches a JSON endpoint returning either a bare array of posts or an
// object holding the array under Fields.Items.
type API struct {
	URL    string
	Fields Fields
	Client *Client
}

func (a *API) Fetch(ctx context.Context, creds credential.Set) engine.Result {
	body, status, err := a.Client.Get(ctx, a.URL, creds, "application/json")
	if res, ok := Classify(status, err); !ok {
		return res
	}
	posts, err := decodePosts(body, a.Fields.Items)
	if err != nil {
		return engine.Result{Outcome: engine.OutcomeTransient, StatusCode: status, Err: err}
	}
	if len(posts) == 0 {
		return engine.Result{Outcome: engine.OutcomeEmpty, StatusCode: status}
	}
	items := make([]any, len(posts))
	for i, p := range posts {
		items[i] = p
	}
	return engine.Result{Outcome: engine.OutcomeSuccess, Items: items, StatusCode: status}
}

func decodePosts(body []byte, field string) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	if field != "" {
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode posts: want object with %q", field)
		}
		doc = lookup(obj, field)
	}
	arr, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("decode posts: want array, got %T", doc)
	}
	out := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// PostExtractor builds candidates from decoded JSON posts.
func PostExtractor(fields Fields) engine.ExtractorFunc {
	fields = fields.withDefaults()
	return func(raw any) (*engine.Candidate, error) {
		post, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("post extractor: unexpected item %T", raw)
		}
		key := scalar(lookup(post, fields.Key))
		link := scalar(lookup(post, fields.URL))
		if key == "" {
			key = Canonical(link)
		}
		if key == "" {
			return nil, fmt.Errorf("post extractor: no %q or %q", fields.Key, fields.URL)
		}
		title := strings.TrimSpace(scalar(lookup(post, fields.Title)))
		a := alert.Alert{Title: title, URL: link}
		a.Ticker, a.Price = tickerOf(title)
		a.Signal = alert.Classify(title)
		if t, ok := parseTime(scalar(lookup(post, fields.Date))); ok {
			a.PublishedAt = t
		}
		return &engine.Candidate{Key: key, Payload: a}, nil
	}
}

func lookup(obj map[string]any, path string) any {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}
