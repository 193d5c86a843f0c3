package dns

import (
	"math"
	"strings"
	"unicode"
)

// calculateEntropy computes the Shannon entropy of a name, ignoring dots
// and case.
func calculateEntropy(s string) float64 {
	freq := make(map[rune]int)
	total := 0
	for _, c := range strings.ToLower(s) {
		if c != '.' {
			freq[c]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// suspiciousName reports names that look like encoded payload rather than
// host names: digit-heavy, very long labels, or long high-entropy strings.
func suspiciousName(name string) bool {
	// Reverse lookups are digits by construction.
	if strings.HasSuffix(strings.ToLower(name), ".arpa") {
		return false
	}

	digits, letters := 0, 0
	for _, c := range name {
		if unicode.IsDigit(c) {
			digits++
		} else if unicode.IsLetter(c) {
			letters++
		}
	}
	if letters > 0 && float64(digits)/float64(letters) > 0.5 {
		return true
	}

	for _, label := range strings.Split(name, ".") {
		if len(label) > 50 {
			return true
		}
	}

	return len(name) > 30 && calculateEntropy(name) > 4.0
}
