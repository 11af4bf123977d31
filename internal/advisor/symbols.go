package advisor

import "strings"

// ExtractSymbols scans the user message for trading-pair mentions, recognized
// by their quote-currency suffix. Returns deduplicated uppercase symbols in
// order of first mention.
func ExtractSymbols(text string) []string {
	upper := strings.ToUpper(text)
	words := strings.FieldsFunc(upper, func(r rune) bool {
		return !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})

	seen := make(map[string]bool)
	var result []string
	for _, w := range words {
		if !isPair(w) || seen[w] {
			continue
		}
		seen[w] = true
		result = append(result, w)
	}
	return result
}

func isPair(w string) bool {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		base, ok := strings.CutSuffix(w, quote)
		if ok && len(base) >= 2 && len(base) <= 6 {
			return true
		}
	}
	return false
}
