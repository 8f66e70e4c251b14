package services

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// normalizeEntityName prepares a name for fuzzy comparison: lowercase, trim,
// collapse inner whitespace, and singularize the last word so "Customers"
// and "customer" compare equal.
func normalizeEntityName(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	if len(fields) == 0 {
		return ""
	}
	fields[len(fields)-1] = inflection.Singular(fields[len(fields)-1])
	return strings.Join(fields, " ")
}

// similarityRatio returns a normalized string similarity in [0, 1]:
// 1 - levenshtein(a, b) / max(len(a), len(b)), computed over normalized names.
func similarityRatio(a, b string) float64 {
	a, b = normalizeEntityName(a), normalizeEntityName(b)
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with a two-row dynamic program.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
