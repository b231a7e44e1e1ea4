// Package suggest picks "did you mean?" candidates for misspelled names.
package suggest

// MaxDistance is the largest edit distance that still yields a suggestion.
const MaxDistance = 3

// Closest returns the entry of known nearest to name, or "" when none is
// within MaxDistance. Ties go to the earliest entry, so callers pass known
// in a stable order.
func Closest(name string, known []string) string {
	best, bestDist := "", MaxDistance+1

	for _, k := range known {
		if d := Distance(name, k); d < bestDist {
			best, bestDist = k, d
		}
	}

	return best
}

// Distance is the Levenshtein distance between a and b, counted in bytes.
func Distance(a, b string) int {
	if len(a) < len(b) {
		a, b = b, a
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		diag := row[0]
		row[0] = i

		for j := 1; j <= len(b); j++ {
			up := row[j]

			sub := diag
			if a[i-1] != b[j-1] {
				sub++
			}

			row[j] = min(row[j-1]+1, up+1, sub)
			diag = up
		}
	}

	return row[len(b)]
}
