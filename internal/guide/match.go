package guide

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchThreshold is the minimum similarity for a channel name to adopt an
// EPG identifier.
const MatchThreshold = 0.8

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var noiseSuffixes = []string{"hd", "fhd", "uhd", "4k", "sd", "hevc"}

// Normalize lowers, deaccents and strips quality suffixes from a channel
// name so upstream and guide spellings of the same channel compare equal.
func Normalize(name string) string {
	cleaned, _, err := transform.String(deaccent, name)
	if err != nil {
		cleaned = name
	}
	cleaned = strings.ToLower(strings.TrimSpace(cleaned))
	fields := strings.Fields(cleaned)
	for len(fields) > 0 {
		last := fields[len(fields)-1]
		drop := false
		for _, suffix := range noiseSuffixes {
			if last == suffix {
				drop = true
				break
			}
		}
		if !drop {
			break
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// Similarity implements the Ratcliff-Obershelp ratio over two strings: twice
// the total length of matching blocks divided by the combined length.
func Similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingBlocks([]rune(a), []rune(b))
	return 2 * float64(matched) / float64(len([]rune(a))+len([]rune(b)))
}

// matchingBlocks recursively finds the longest common substring and counts
// matched runes on both sides of it.
func matchingBlocks(a, b []rune) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingBlocks(a[:ai], b[:bi])
	total += matchingBlocks(a[ai+size:], b[bi+size:])
	return total
}

func longestCommonSubstring(a, b []rune) (int, int, int) {
	bestA, bestB, bestLen := 0, 0, 0
	// lengths[j] holds the common suffix length ending at a[i-1], b[j-1].
	lengths := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		prevDiag := 0
		for j := 1; j <= len(b); j++ {
			saved := lengths[j]
			if a[i-1] == b[j-1] {
				lengths[j] = prevDiag + 1
				if lengths[j] > bestLen {
					bestLen = lengths[j]
					bestA = i - bestLen
					bestB = j - bestLen
				}
			} else {
				lengths[j] = 0
			}
			prevDiag = saved
		}
	}
	return bestA, bestB, bestLen
}

// BestMatch returns the candidate most similar to name, provided the
// similarity clears MatchThreshold. Both sides are normalized first.
func BestMatch(name string, candidates []string) (string, bool) {
	target := Normalize(name)
	best := ""
	bestScore := 0.0
	for _, candidate := range candidates {
		score := Similarity(target, Normalize(candidate))
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if bestScore >= MatchThreshold {
		return best, true
	}
	return "", false
}
