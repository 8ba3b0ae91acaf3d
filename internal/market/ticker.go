package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status marks whether a snapshot carries live market data or describes a
// failed fetch.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusError  Status = "ERROR"
)

// Snapshot is the canonical ticker record for one (exchange, symbol) pair.
// A snapshot is immutable once constructed; the latest one for a pair
// supersedes all earlier ones.
type Snapshot struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	Change24h   decimal.Decimal `json:"change_24h"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      Status          `json:"status"`
	ErrorDetail string          `json:"error_detail,omitempty"`
}

// NewErrorSnapshot builds the sentinel snapshot returned when a fetch fails.
// Price fields stay zero and the detail is never empty so callers can always
// distinguish errored data from live data.
func NewErrorSnapshot(exchange, symbol, detail string) Snapshot {
	if detail == "" {
		detail = "unknown error"
	}
	return Snapshot{
		Exchange:    exchange,
		Symbol:      symbol,
		Timestamp:   time.Now().UTC(),
		Status:      StatusError,
		ErrorDetail: detail,
	}
}

// IsActive reports whether the snapshot carries live market data.
func (s Snapshot) IsActive() bool {
	return s.Status == StatusActive
}
