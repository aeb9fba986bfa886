package source

import (
	"fmt"
	"strings"
	"time"

	"pollwatch/internal/engine"
	"pollwatch/internal/session"
	logx "pollwatch/pkg/logx"
)

const (
	KindRSS  = "rss"
	KindHTML = "html"
	KindJSON = "json"
)

// Config describes one publisher's source as written in the agent config.
type Config struct {
	Kind string `json:"kind" yaml:"kind"`
	URL  string `json:"url" yaml:"url"`

	Selector      string `json:"selector,omitempty" yaml:"selector,omitempty"`
	TitleSelector string `json:"title_selector,omitempty" yaml:"title_selector,omitempty"`
	LinkSelector  string `json:"link_selector,omitempty" yaml:"link_selector,omitempty"`
	DateSelector  string `json:"date_selector,omitempty" yaml:"date_selector,omitempty"`

	Fields Fields `json:"fields,omitempty" yaml:"fields,omitempty"`

	Timeout    time.Duration     `json:"-" yaml:"-"`
	UserAgents []string          `json:"user_agents,omitempty" yaml:"user_agents,omitempty"`
	CacheBust  *bool             `json:"cache_bust,omitempty" yaml:"cache_bust,omitempty"`
	RatePerSec float64           `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// LoginConfig describes a form sign-in.
type LoginConfig struct {
	URL           string            `json:"url" yaml:"url"`
	UserField     string            `json:"user_field,omitempty" yaml:"user_field,omitempty"`
	PasswordField string            `json:"password_field,omitempty" yaml:"password_field,omitempty"`
	SuccessCookie string            `json:"success_cookie,omitempty" yaml:"success_cookie,omitempty"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("source: url is required")
	}
	switch strings.ToLower(c.Kind) {
	case KindRSS, KindJSON:
	case KindHTML:
		if c.Selector == "" {
			return fmt.Errorf("source: html source needs a selector")
		}
	default:
		return fmt.Errorf("source: unknown kind %q (want rss, html or json)", c.Kind)
	}
	return nil
}

// Built is a ready fetcher/extractor pair sharing one Client.
type Built struct {
	Fetcher   engine.Fetcher
	Extractor engine.Extractor
	Client    *Client
}

func Build(cfg Config, log logx.Logger) (Built, error) {
	if err := cfg.Validate(); err != nil {
		return Built{}, err
	}
	bust := true
	if cfg.CacheBust != nil {
		bust = *cfg.CacheBust
	}
	client := NewClient(ClientConfig{
		Timeout:    cfg.Timeout,
		UserAgents: cfg.UserAgents,
		CacheBust:  bust,
		RatePerSec: cfg.RatePerSec,
		Headers:    cfg.Headers,
	}, log)

	switch strings.ToLower(cfg.Kind) {
	case KindRSS:
		return Built{Fetcher: &Feed{URL: cfg.URL, Client: client}, Extractor: engine.ExtractorFunc(FeedExtractor), Client: client}, nil
	case KindHTML:
		p := &Page{
			URL:           cfg.URL,
			Selector:      cfg.Selector,
			TitleSelector: cfg.TitleSelector,
			LinkSelector:  cfg.LinkSelector,
			DateSelector:  cfg.DateSelector,
			Client:        client,
		}
		return Built{Fetcher: p, Extractor: engine.ExtractorFunc(EntryExtractor), Client: client}, nil
	default:
		return Built{Fetcher: &API{URL: cfg.URL, Fields: cfg.Fields, Client: client}, Extractor: PostExtractor(cfg.Fields), Client: client}, nil
	}
}

// LoginFunc returns the session login for cfg, or nil when cfg has no URL.
func (b Built) LoginFunc(cfg LoginConfig) session.LoginFunc {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	f := &FormLogin{
		URL:           cfg.URL,
		UserField:     cfg.UserField,
		PasswordField: cfg.PasswordField,
		SuccessCookie: cfg.SuccessCookie,
		Extra:         cfg.Extra,
		Client:        b.Client,
	}
	return f.Login
}
