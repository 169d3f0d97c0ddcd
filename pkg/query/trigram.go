package query

import (
	"strings"
	"unicode"
)

// FuzzyThreshold is the trigram similarity at which a CmpFuzzy predicate
// matches. It equals the pg_trgm default for the % operator.
const FuzzyThreshold = 0.3

// Similarity returns the trigram similarity of a and b in [0, 1], computed
// the way pg_trgm does: case-folded words padded with two leading blanks
// and one trailing blank, compared as sets.
func Similarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

// FuzzyMatch reports whether value matches term under CmpFuzzy: a
// case-insensitive substring or a similarity of at least FuzzyThreshold.
func FuzzyMatch(value, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	if strings.Contains(strings.ToLower(value), strings.ToLower(term)) {
		return true
	}
	return Similarity(value, term) >= FuzzyThreshold
}

// ContainsPattern returns the ILIKE pattern matching s anywhere.
func ContainsPattern(s string) string {
	return "%" + escapeLike(s) + "%"
}

func trigrams(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{})
	for _, w := range words {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = struct{}{}
		}
	}
	return out
}
