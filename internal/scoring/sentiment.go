package scoring

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"agentlisten/internal/model"
)

// SentimentScorer maps text to a polarity score in [-1, 1].
type SentimentScorer interface {
	Score(text string) (float64, error)
}

// TopicScorer maps a pair of texts to a similarity in [0, 1].
type TopicScorer interface {
	Similarity(a, b string) (float64, error)
}

// Polarity buckets a score into a sentiment type.
func Polarity(score float64) model.SentimentType {
	switch {
	case score > 0.2:
		return model.SentimentPositive
	case score < -0.2:
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

type wordSet map[string]struct{}

func newWordSet(words ...string) wordSet {
	s := make(wordSet, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

func (s wordSet) has(w string) bool {
	_, ok := s[w]
	return ok
}

// Lexicon is a dictionary-based scorer for Chinese and English text.
type Lexicon struct {
	positive     wordSet
	negative     wordSet
	negations    wordSet
	intensifiers map[string]float64
	// longest dictionary entry in runes, bounds forward maximum matching
	maxWord int
}

var _ SentimentScorer = (*Lexicon)(nil)

func NewLexicon() *Lexicon {
	l := &Lexicon{
		positive: newWordSet(
			"好", "棒", "喜欢", "满意", "开心", "高兴", "成功", "欢迎", "优秀", "漂亮",
			"精彩", "完美", "表扬", "感谢", "欣赏", "赞", "美", "佳", "优", "嗯",
			"是的", "对", "爱", "支持", "好用", "方便", "实用", "强大", "帮助",
			"good", "great", "excellent", "amazing", "wonderful", "fantastic", "happy",
			"thank", "thanks", "love", "like", "nice", "well", "perfect", "yes",
			"awesome", "cool", "helpful", "impressive", "beautiful", "brilliant",
			"enjoy", "satisfied",
		),
		negative: newWordSet(
			"不", "差", "糟", "坏", "失望", "难过", "失败", "讨厌", "错误", "缺陷",
			"问题", "弱", "慢", "复杂", "困难", "麻烦", "生气", "遗憾", "可惜", "不好",
			"不行", "无法", "不能", "不会", "厌倦", "不满", "怀疑", "担心", "害怕",
			"bad", "poor", "terrible", "awful", "horrible", "sad", "fail", "hate",
			"error", "bug", "issue", "problem", "slow", "difficult", "hard", "wrong",
			"angry", "annoyed", "dislike", "disappointed", "no", "not", "never",
			"cannot", "ugly", "useless", "worse", "worst", "fear", "worried",
		),
		negations: newWordSet(
			"不", "没", "没有", "不是", "不会", "不能", "不要", "不可", "绝不", "否",
			"not", "no", "never", "none", "neither", "nor", "don't", "doesn't",
			"didn't", "can't", "won't",
		),
		intensifiers: map[string]float64{
			"非常": 2.0, "特别": 2.0, "十分": 2.0, "极其": 2.5, "超级": 2.5,
			"有点": 0.5, "稍微": 0.5, "略微": 0.5, "有些": 0.7, "太": 2.0,
			"格外": 2.0, "尤其": 2.0, "颇为": 1.5, "分外": 1.8, "异常": 2.0,
			"very": 2.0, "extremely": 2.5, "incredibly": 2.5, "really": 1.8,
			"so": 1.5, "too": 1.5, "absolutely": 2.5, "completely": 2.0,
			"quite": 1.3, "somewhat": 0.7, "slightly": 0.5, "a bit": 0.5,
			"rather": 1.2, "pretty": 1.4, "fairly": 1.2, "highly": 1.8,
		},
	}
	for _, set := range []wordSet{l.positive, l.negative, l.negations} {
		for w := range set {
			l.maxWord = max(l.maxWord, utf8.RuneCountInString(w))
		}
	}
	for w := range l.intensifiers {
		l.maxWord = max(l.maxWord, utf8.RuneCountInString(w))
	}
	return l
}

func (l *Lexicon) Score(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	var tokens []string
	if IsChinese(text) {
		tokens = l.tokenizeChinese(text)
	} else {
		tokens = tokenizeEnglish(text)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	var score float64
	for i, tok := range tokens {
		var base float64
		switch {
		case l.positive.has(tok):
			base = 1
		case l.negative.has(tok):
			base = -1
		default:
			continue
		}
		multiplier := 1.0
		for j := max(0, i-3); j < i; j++ {
			if l.negations.has(tokens[j]) {
				multiplier = -multiplier
			}
		}
		for j := max(0, i-2); j < i; j++ {
			if f, ok := l.intensifiers[tokens[j]]; ok {
				multiplier *= f
			}
		}
		score += base * multiplier
	}

	normalized := score / (float64(len(tokens)) * 0.3)
	return math.Max(-1, math.Min(1, normalized)), nil
}

func (l *Lexicon) known(w string) bool {
	if l.positive.has(w) || l.negative.has(w) || l.negations.has(w) {
		return true
	}
	_, ok := l.intensifiers[w]
	return ok
}

// tokenizeChinese splits by forward maximum matching against the lexicon.
// Latin words are kept whole and lowercased, whitespace is dropped, every
// other rune becomes its own token.
func (l *Lexicon) tokenizeChinese(text string) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); {
		r := runes[i]
		if unicode.IsSpace(r) {
			i++
			continue
		}
		if r < utf8.RuneSelf && isWordRune(r) {
			j := i
			for j < len(runes) && runes[j] < utf8.RuneSelf && (isWordRune(runes[j]) || runes[j] == '\'') {
				j++
			}
			out = append(out, strings.ToLower(string(runes[i:j])))
			i = j
			continue
		}
		matched := 1
		for n := min(l.maxWord, len(runes)-i); n > 1; n-- {
			if l.known(string(runes[i : i+n])) {
				matched = n
				break
			}
		}
		out = append(out, string(runes[i:i+matched]))
		i += matched
	}
	return out
}

// tokenizeEnglish yields lowercased words and single punctuation tokens.
// "a bit" is folded into one token so it can act as an intensifier.
func tokenizeEnglish(text string) []string {
	var out []string
	runes := []rune(strings.ToLower(text))
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isWordRune(r):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || (runes[j] == '\'' && j+1 < len(runes) && isWordRune(runes[j+1]))) {
				j++
			}
			out = append(out, string(runes[i:j]))
			i = j
		default:
			out = append(out, string(r))
			i++
		}
	}
	folded := out[:0]
	for i := 0; i < len(out); i++ {
		if out[i] == "a" && i+1 < len(out) && out[i+1] == "bit" {
			folded = append(folded, "a bit")
			i++
			continue
		}
		folded = append(folded, out[i])
	}
	return folded
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// IsChinese reports whether more than 10% of the runes are CJK ideographs.
func IsChinese(text string) bool {
	total, cjk := 0, 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return false
	}
	return float64(cjk)/float64(total) > 0.1
}
