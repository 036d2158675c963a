package evaluation

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Thresholds mirror the usual trade-off between phonetic recall and string
// precision: a Double Metaphone hit may accept a lower Jaro-Winkler score
// than a pure fuzzy hit.
const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// VocabularyCoverage reports which expected vocabulary items the transcript
// touches and the covered fraction. Matching is phonetic-first so that STT
// misspellings of clinical terms ("new moania" for "pneumonia") still count.
//
// Returns (nil, 0) when vocabulary is empty; callers should skip the
// relevance criterion entirely in that case.
func VocabularyCoverage(transcript string, vocabulary []string) ([]string, float64) {
	if len(vocabulary) == 0 || strings.TrimSpace(transcript) == "" {
		return nil, 0
	}

	tokens := strings.Fields(strings.ToLower(transcript))
	// Include bigrams so multi-word items like "follow up" can match.
	grams := make([]string, 0, len(tokens)*2)
	grams = append(grams, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		grams = append(grams, tokens[i]+" "+tokens[i+1])
	}

	var hits []string
	for _, item := range vocabulary {
		itemLower := strings.ToLower(strings.TrimSpace(item))
		if itemLower == "" {
			continue
		}
		if covered(grams, itemLower) {
			hits = append(hits, item)
		}
	}

	return hits, float64(len(hits)) / float64(len(vocabulary))
}

// covered reports whether any transcript gram matches the vocabulary item,
// phonetically or by string similarity.
func covered(grams []string, item string) bool {
	itemCodes := metaphoneCodes(item)
	for _, g := range grams {
		phonetic := codesOverlap(metaphoneCodes(g), itemCodes)
		jw := matchr.JaroWinkler(g, item, false)
		if phonetic && jw >= phoneticThreshold {
			return true
		}
		if jw >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// metaphoneCodes returns the union of Double Metaphone codes for every word
// in s. Empty codes (short or vowel-only words) are excluded.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 4)
	for _, w := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
