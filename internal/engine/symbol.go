package engine

import "strings"

// NormalizeSymbol canonicalizes a symbol so that broker and bot
// representations of the same pair compare equal: "BTC/USD", "btc-usd"
// and "BTCUSD" all normalize to "BTCUSD".
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '-', '_', ' ':
			return -1
		}
		return r
	}, s)
}

// SameSymbol reports whether two symbol representations denote the same pair.
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}
