package service

import (
	"hash/fnv"
	"strings"
)

// stopwords excluded from keyword overlap so that connective words never
// dominate a similarity score. Kept deliberately small and multilingual
// enough for the languages seen in workspace objectives.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "for": true,
	"to": true, "in": true, "on": true, "with": true, "by": true, "from": true,
	"di": true, "il": true, "la": true, "per": true, "de": true, "und": true,
	"der": true, "die": true, "das": true, "et": true, "le": true, "les": true,
}

// tokenize lowercases text and returns its content-bearing tokens as a set.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		tokens[tok] = true
	}
	return tokens
}

// keywordOverlap returns the Jaccard similarity of the content tokens of two
// texts, in [0,1]. It is the deterministic fallback when no AI similarity
// judgment is available.
func keywordOverlap(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// hashText returns a stable hash of text, used as a cache key component and
// as a deterministic tie-breaker.
func hashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	return h.Sum64()
}
