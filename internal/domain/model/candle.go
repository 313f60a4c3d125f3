package model

import "time"

// Candle is one OHLCV bar. It is the opaque payload of a DataPoint; the
// engine never inspects it beyond carrying it to the apply sink.
type Candle struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
