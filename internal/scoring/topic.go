package scoring

import (
	"math"
	"strings"
	"unicode/utf8"
)

// BagOfWords compares texts by the cosine of their term-frequency vectors.
// Latin words count as terms; CJK text contributes single runes and bigrams.
type BagOfWords struct{}

var _ TopicScorer = BagOfWords{}

func (BagOfWords) Similarity(a, b string) (float64, error) {
	va, vb := termVector(a), termVector(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0, nil
	}
	return math.Max(0, math.Min(1, cosine(va, vb))), nil
}

func termVector(text string) map[string]float64 {
	vec := map[string]float64{}
	runes := []rune(strings.ToLower(text))
	var prevCJK rune
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isCJK(r):
			vec[string(r)]++
			if prevCJK != 0 {
				vec[string([]rune{prevCJK, r})]++
			}
			prevCJK = r
			i++
		case r < utf8.RuneSelf && isWordRune(r):
			j := i
			for j < len(runes) && runes[j] < utf8.RuneSelf && isWordRune(runes[j]) {
				j++
			}
			vec[string(runes[i:j])]++
			prevCJK = 0
			i = j
		default:
			prevCJK = 0
			i++
		}
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for term, x := range a {
		normA += x * x
		if y, ok := b[term]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		normB += y * y
	}
	denominator := math.Sqrt(normA) * math.Sqrt(normB)
	if denominator == 0 {
		return 0
	}
	return dot / denominator
}
