// Package alert is the rendered form of a newly discovered publisher item.
package alert

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the trade direction an item implies.
type Signal string

const (
	SignalNone Signal = "None"
	SignalBuy  Signal = "Buy"
	SignalSell Signal = "Sell"
)

// Alert is what notification channels receive.
type Alert struct {
	ID           string
	Publisher    string
	Key          string
	Title        string
	Ticker       string
	Signal       Signal
	Price        decimal.NullDecimal
	URL          string
	PublishedAt  time.Time
	DiscoveredAt time.Time
	FetchLatency time.Duration
}

// BusMessage is the event-bus payload consumed by downstream traders.
type BusMessage struct {
	Name   string `json:"name"`
	Type   Signal `json:"type"`
	Ticker string `json:"ticker"`
	Sender string `json:"sender"`
}

// Bus converts a to the event-bus payload.
func (a Alert) Bus() BusMessage {
	sig := a.Signal
	if sig == "" {
		sig = SignalNone
	}
	return BusMessage{
		Name:   a.Publisher,
		Type:   sig,
		Ticker: a.Ticker,
		Sender: strings.ToLower(strings.ReplaceAll(a.Publisher, " ", "_")),
	}
}

// Text renders the chat message in Telegram HTML.
func (a Alert) Text(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>New %s alert</b>\n", html.EscapeString(a.Publisher))
	fmt.Fprintf(&b, "<b>Title:</b> %s\n", html.EscapeString(a.Title))
	if a.Ticker != "" {
		fmt.Fprintf(&b, "<b>Ticker:</b> %s", html.EscapeString(a.Ticker))
		if a.Signal != "" && a.Signal != SignalNone {
			fmt.Fprintf(&b, " (%s)", a.Signal)
		}
		if a.Price.Valid {
			fmt.Fprintf(&b, " @ $%s", a.Price.Decimal.StringFixed(2))
		}
		b.WriteString("\n")
	}
	if !a.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "<b>Created At:</b> %s\n", a.PublishedAt.In(loc).Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "<b>Current Time:</b> %s\n", a.DiscoveredAt.In(loc).Format("2006-01-02 15:04:05.000 MST"))
	if a.FetchLatency > 0 {
		fmt.Fprintf(&b, "<b>Fetch Time:</b> %.2fs\n", a.FetchLatency.Seconds())
	}
	if a.URL != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(a.URL))
	}
	return strings.TrimRight(b.String(), "\n")
}
