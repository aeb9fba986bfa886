package alert

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// tickerRE matches 1-5 capital letters directly followed by a dollar sign,
// optionally with a price: "AAPL $", "MSFT $412.50".
var tickerRE = regexp.MustCompile(`\b([A-Z]{1,5})\s*\$\s*([0-9]+(?:\.[0-9]+)?)?`)

var (
	buyWords  = []string{"buy", "long", "bullish", "upgrade", "added", "adding", "initiate"}
	sellWords = []string{"sell", "short", "bearish", "downgrade", "removed", "removing", "cover", "exit"}
)

// Ticker returns the first ticker in text and the price that follows it, if any.
func Ticker(text string) (string, decimal.NullDecimal) {
	m := tickerRE.FindStringSubmatch(text)
	if m == nil {
		return "", decimal.NullDecimal{}
	}
	var price decimal.NullDecimal
	if m[2] != "" {
		if d, err := decimal.NewFromString(m[2]); err == nil {
			price = decimal.NewNullDecimal(d)
		}
	}
	return m[1], price
}

// Classify derives the trade direction from keywords in title. Sell words
// win when both appear ("exit long").
func Classify(title string) Signal {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	buy, sell := false, false
	for _, w := range words {
		for _, s := range sellWords {
			if w == s {
				sell = true
			}
		}
		for _, s := range buyWords {
			if w == s {
				buy = true
			}
		}
	}
	switch {
	case sell:
		return SignalSell
	case buy:
		return SignalBuy
	default:
		return SignalNone
	}
}
