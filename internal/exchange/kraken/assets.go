package kraken

import (
	"strings"

	"llm-crypto-trader/internal/types"
)

var toKraken = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

var fromKraken = map[string]string{
	"XBT":  "BTC",
	"XXBT": "BTC",
	"XDG":  "DOGE",
	"XXDG": "DOGE",
	"XETH": "ETH",
	"XLTC": "LTC",
	"XXRP": "XRP",
	"XXLM": "XLM",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZJPY": "JPY",
}

// PairName maps "BTC/USD" to Kraken's altname "XBTUSD".
func PairName(pair string) string {
	base, quote, ok := types.SplitPair(pair)
	if !ok {
		return strings.ReplaceAll(strings.ToUpper(pair), "/", "")
	}
	if k, ok := toKraken[base]; ok {
		base = k
	}
	if k, ok := toKraken[quote]; ok {
		quote = k
	}
	return base + quote
}

// Asset maps a Kraken asset code such as "XXBT" or "ZUSD" to "BTC"/"USD".
// Suffixes for staked or held balances (".F", ".S", ".M") are dropped.
func Asset(code string) string {
	code = strings.ToUpper(code)
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	if a, ok := fromKraken[code]; ok {
		return a
	}
	return code
}

// pairFromKraken reverses PairName for a known pair list.
func pairFromKraken(name string, known []string) string {
	for _, p := range known {
		if PairName(p) == name {
			return p
		}
	}
	return name
}
