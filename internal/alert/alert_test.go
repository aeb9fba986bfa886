package alert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicker(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		ticker string
		price  string
	}{
		{"Adding AAPL $ to the long book", "AAPL", ""},
		{"Short TSLA $182.40 into earnings", "TSLA", "182.4"},
		{"Removing F$12 from portfolio", "F", "12"},
		{"No ticker here", "", ""},
		{"lowercase aapl $ ignored", "", ""},
	}
	for _, tc := range cases {
		ticker, price := Ticker(tc.in)
		assert.Equal(t, tc.ticker, ticker, tc.in)
		if tc.price == "" {
			assert.False(t, price.Valid, tc.in)
			continue
		}
		require.True(t, price.Valid, tc.in)
		assert.True(t, price.Decimal.Equal(decimal.RequireFromString(tc.price)), tc.in)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, SignalBuy, Classify("BUY: adding NVDA $"))
	assert.Equal(t, SignalSell, Classify("Sell XOM $"))
	assert.Equal(t, SignalSell, Classify("Exit long position in MSFT $"))
	assert.Equal(t, SignalNone, Classify("Morning newsletter"))
	assert.Equal(t, SignalNone, Classify("Buyback announced"), "substrings do not count")
}

func TestBusMessage(t *testing.T) {
	t.Parallel()
	a := Alert{Publisher: "Hedgeye", Ticker: "AAPL", Signal: SignalBuy}
	b, err := json.Marshal(a.Bus())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Hedgeye","type":"Buy","ticker":"AAPL","sender":"hedgeye"}`, string(b))

	assert.Equal(t, SignalNone, Alert{Publisher: "X"}.Bus().Type)
}

func TestText(t *testing.T) {
	t.Parallel()
	a := Alert{
		Publisher:    "Hedgeye",
		Title:        "Buy <AAPL> $190.10",
		Ticker:       "AAPL",
		Signal:       SignalBuy,
		Price:        decimal.NewNullDecimal(decimal.RequireFromString("190.1")),
		PublishedAt:  time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC),
		DiscoveredAt: time.Date(2024, 3, 4, 14, 0, 1, 500_000_000, time.UTC),
		FetchLatency: 420 * time.Millisecond,
	}
	got := a.Text(time.UTC)
	assert.Contains(t, got, "<b>New Hedgeye alert</b>")
	assert.Contains(t, got, "Buy &lt;AAPL&gt; $190.10")
	assert.Contains(t, got, "<b>Ticker:</b> AAPL (Buy) @ $190.10")
	assert.Contains(t, got, "2024-03-04 14:00:01.500 UTC")
	assert.Contains(t, got, "<b>Fetch Time:</b> 0.42s")
}
