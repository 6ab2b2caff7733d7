package models

import (
	"time"
)

// MarketData is a normalized point-in-time snapshot for one instrument. The
// broker's numeric field codes are mapped to these names at the gateway
// boundary; nothing above the gateway sees vendor codes.
type MarketData struct {
	Ticker     string
	LastPrice  float64
	High       float64
	Low        float64
	Bid        float64
	Ask        float64
	Volume     float64
	Open       float64
	PriorClose float64
	Timestamp  time.Time
}

// HasPrice reports whether the snapshot carries a usable last price.
func (m *MarketData) HasPrice() bool {
	return m != nil && m.LastPrice > 0
}
