// Package models holds the shared market-data types and the static
// instrument registry for the supported index symbols.
package models

import "time"

// Exchange type codes used by the SmartAPI streaming protocol.
const (
	ExchangeNSECM = 1
	ExchangeNSEFO = 2
)

// Instrument describes a tradable index we know how to stream and analyze.
type Instrument struct {
	Symbol         string
	Token          string // exchange symbol token, e.g. "99926000"
	Exchange       string // REST exchange segment, e.g. "NSE"
	ExchangeType   int    // streaming exchange type code
	LotSize        int
	StrikeInterval float64
}

// DefaultLotSize applies to symbols outside the registry.
const DefaultLotSize = 50

var instruments = []Instrument{
	{Symbol: "NIFTY", Token: "99926000", Exchange: "NSE", ExchangeType: ExchangeNSECM, LotSize: 75, StrikeInterval: 50},
	{Symbol: "BANKNIFTY", Token: "99926009", Exchange: "NSE", ExchangeType: ExchangeNSECM, LotSize: 35, StrikeInterval: 100},
}

var (
	bySymbol = make(map[string]Instrument, len(instruments))
	byToken  = make(map[string]Instrument, len(instruments))
)

func init() {
	for _, in := range instruments {
		bySymbol[in.Symbol] = in
		byToken[in.Token] = in
	}
}

// LookupSymbol returns the instrument for a symbol name.
func LookupSymbol(symbol string) (Instrument, bool) {
	in, ok := bySymbol[symbol]
	return in, ok
}

// LookupToken returns the instrument for an exchange token.
func LookupToken(token string) (Instrument, bool) {
	in, ok := byToken[token]
	return in, ok
}

// Instruments returns the full registry in declaration order.
func Instruments() []Instrument {
	out := make([]Instrument, len(instruments))
	copy(out, instruments)
	return out
}

// LotSize returns the per-symbol contract lot size, falling back to
// DefaultLotSize for unknown symbols.
func LotSize(symbol string) int {
	if in, ok := bySymbol[symbol]; ok {
		return in.LotSize
	}
	return DefaultLotSize
}

// StrikeInterval returns the strike spacing for a symbol, defaulting to 50.
func StrikeInterval(symbol string) float64 {
	if in, ok := bySymbol[symbol]; ok {
		return in.StrikeInterval
	}
	return 50
}

// Tick is one decoded last-traded-price update from the upstream feed.
// Ticks are immutable; they are emitted once and forwarded.
type Tick struct {
	Symbol     string
	Token      string
	LTP        float64 // major currency unit (rupees)
	ReceivedAt time.Time
}
