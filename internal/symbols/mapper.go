package symbols

import "strings"

// ToCanonical converts any accepted external representation of a trading pair
// to the canonical form used for cache keys and snapshots: uppercase with no
// separators and BTC instead of XBT. "BTC/USDT", "btc-usdt" and kucoin's
// "XBT-USDTM" all map to "BTCUSDT".
// Currently supported exchanges: binance, bybit, kucoin.
func ToCanonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "/", "")
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "_", "")

	switch strings.ToLower(exchange) {
	case "kucoin":
		// trailing 'M' denotes kucoin futures contracts
		if strings.HasSuffix(sym, "USDTM") {
			sym = strings.TrimSuffix(sym, "M")
		}
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	}
	return sym
}

// ToBinanceWire converts a canonical pair to the form binance endpoints
// expect. Binance already uses the canonical format.
func ToBinanceWire(sym string) string {
	return ToCanonical("binance", sym)
}

// ToBybitWire converts a canonical pair to the form bybit v5 endpoints
// expect, which matches the canonical format.
func ToBybitWire(sym string) string {
	return ToCanonical("bybit", sym)
}

// ToKucoinWire converts a canonical pair to kucoin's dash separated spot
// format, e.g. "BTCUSDT" -> "BTC-USDT". Quote currencies are matched against
// the common stablecoin and fiat suffixes kucoin lists.
func ToKucoinWire(sym string) string {
	sym = ToCanonical("kucoin", sym)
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH", "EUR", "USD"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "-" + quote
		}
	}
	return sym
}
