package rules

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentlisten/internal/model"
	"agentlisten/internal/scoring"
)

const (
	DefaultSentimentThreshold = 0.5
	DefaultContextSize        = 5
	DefaultTimeWindowSeconds  = 300
	DefaultMatchThreshold     = 0.7

	contextSentimentCutoff = 0.3
	topicSimilarityCutoff  = 0.5
)

// CustomMatcher evaluates rules with the custom trigger type.
type CustomMatcher interface {
	Match(rule model.Rule, msg model.Message) (bool, error)
}

type Evaluator struct {
	Sentiment scoring.SentimentScorer
	Topic     scoring.TopicScorer
	Custom    CustomMatcher
	Regex     *RegexCache
	Logger    *zap.Logger
}

func NewEvaluator(logger *zap.Logger, sentiment scoring.SentimentScorer, topic scoring.TopicScorer) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sentiment == nil {
		sentiment = scoring.NewLexicon()
	}
	if topic == nil {
		topic = scoring.BagOfWords{}
	}
	return &Evaluator{
		Sentiment: sentiment,
		Topic:     topic,
		Regex:     NewRegexCache(0),
		Logger:    logger,
	}
}

// Matches gates on CanTrigger and then runs the evaluator for the rule's
// trigger type. Only an unknown trigger type or a failing custom matcher
// yields an error; malformed patterns are a plain non-match.
func (e *Evaluator) Matches(rule model.Rule, msg model.Message, now time.Time) (bool, error) {
	if !CanTrigger(rule, now) {
		return false, nil
	}
	cond := rule.TriggerCondition
	switch rule.TriggerType {
	case model.TriggerKeyword:
		return MatchKeyword(cond, msg.Content), nil
	case model.TriggerRegex:
		if cond.Pattern == "" {
			return false, nil
		}
		ok, err := e.Regex.Find(cond.Pattern, msg.Content, cond.IgnoreCase)
		if err != nil {
			e.Logger.Debug("regex trigger did not evaluate",
				zap.String("rule_id", rule.ID), zap.String("pattern", cond.Pattern), zap.Error(err))
			return false, nil
		}
		return ok, nil
	case model.TriggerMention:
		return MatchMention(rule, msg), nil
	case model.TriggerAllMessages:
		return true, nil
	case model.TriggerSentiment:
		return MatchSentiment(cond, e.sentimentOf(msg)), nil
	case model.TriggerContextAware:
		score, ok := e.ContextScore(rule, msg, now)
		return ok && score >= matchThreshold(cond), nil
	case model.TriggerCustom:
		if e.Custom == nil {
			return false, nil
		}
		return e.Custom.Match(rule, msg)
	default:
		return false, fmt.Errorf("unknown trigger type %q", rule.TriggerType)
	}
}

// MatchKeyword is a case-insensitive substring test over the keyword list.
func MatchKeyword(cond model.TriggerCondition, content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range cond.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// MatchRegex searches content with a throwaway cache. Long-lived callers
// should use an Evaluator so compiled patterns are reused.
func MatchRegex(cond model.TriggerCondition, content string) bool {
	if cond.Pattern == "" {
		return false
	}
	ok, err := NewRegexCache(0).Find(cond.Pattern, content, cond.IgnoreCase)
	return err == nil && ok
}

func MatchMention(rule model.Rule, msg model.Message) bool {
	name := strings.ToLower(rule.AgentName)
	if name != "" && strings.Contains(strings.ToLower(msg.Content), "@"+name) {
		return true
	}
	for _, m := range msg.Mentions {
		if m == rule.AgentID || (name != "" && strings.ToLower(m) == name) {
			return true
		}
	}
	return false
}

// MatchSentiment compares a score against the rule's target polarity.
func MatchSentiment(cond model.TriggerCondition, score float64) bool {
	threshold := DefaultSentimentThreshold
	if cond.Threshold != nil {
		threshold = *cond.Threshold
	}
	switch cond.TargetSentiment {
	case model.SentimentPositive:
		return score >= threshold
	case model.SentimentNegative:
		return score <= -threshold
	case model.SentimentNeutral:
		return math.Abs(score) < threshold
	}
	return false
}

// ContextScore returns the weighted fraction of context clauses satisfied by
// the recent conversation window. ok is false when the rule has no clauses or
// no context message falls inside the window.
func (e *Evaluator) ContextScore(rule model.Rule, msg model.Message, now time.Time) (float64, bool) {
	cond := rule.TriggerCondition
	if len(cond.ContextRules) == 0 {
		return 0, false
	}
	size := DefaultContextSize
	if cond.ContextSize != nil {
		size = *cond.ContextSize
	}
	window := DefaultTimeWindowSeconds
	if cond.TimeWindow != nil {
		window = *cond.TimeWindow
	}

	recent := msg.ContextMessages
	if size < 0 {
		size = 0
	}
	if len(recent) > size {
		recent = recent[len(recent)-size:]
	}
	cutoff := now.Add(-time.Duration(window) * time.Second)
	parts := make([]string, 0, len(recent))
	for _, m := range recent {
		if m.Timestamp.IsZero() || m.Timestamp.Before(cutoff) {
			continue
		}
		parts = append(parts, strings.ToLower(m.Content))
	}
	if len(parts) == 0 {
		return 0, false
	}
	text := strings.Join(parts, " ")

	var acc float64
	var sentiment *float64
	for _, clause := range cond.ContextRules {
		hit := false
		switch clause.Type {
		case model.ClauseKeyword:
			hit = clause.Value != "" && strings.Contains(text, strings.ToLower(clause.Value))
		case model.ClauseRegex:
			ok, err := e.Regex.Find(clause.Value, text, false)
			if err != nil {
				e.Logger.Warn("context regex clause skipped",
					zap.String("rule_id", rule.ID), zap.String("pattern", clause.Value), zap.Error(err))
				continue
			}
			hit = ok
		case model.ClauseSentiment:
			if sentiment == nil {
				s := e.score(text)
				sentiment = &s
			}
			hit = contextSentimentHit(model.SentimentType(clause.Value), *sentiment)
		case model.ClauseTopic:
			sim, err := e.Topic.Similarity(text, clause.Value)
			if err != nil {
				e.Logger.Warn("topic scorer failed", zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
			hit = sim >= topicSimilarityCutoff
		default:
			e.Logger.Debug("unknown context clause type",
				zap.String("rule_id", rule.ID), zap.String("type", string(clause.Type)))
		}
		if hit {
			acc += clause.EffectiveWeight()
		}
	}
	return acc / float64(len(cond.ContextRules)), true
}

func contextSentimentHit(target model.SentimentType, score float64) bool {
	switch target {
	case model.SentimentPositive:
		return score > contextSentimentCutoff
	case model.SentimentNegative:
		return score < -contextSentimentCutoff
	case model.SentimentNeutral:
		return math.Abs(score) <= contextSentimentCutoff
	}
	return false
}

func matchThreshold(cond model.TriggerCondition) float64 {
	if cond.MatchThreshold != nil {
		return *cond.MatchThreshold
	}
	return DefaultMatchThreshold
}

func (e *Evaluator) sentimentOf(msg model.Message) float64 {
	if msg.Sentiment != nil {
		return msg.Sentiment.Score
	}
	return e.score(msg.Content)
}

// score treats a failing scorer as neutral.
func (e *Evaluator) score(text string) float64 {
	s, err := e.Sentiment.Score(text)
	if err != nil {
		e.Logger.Warn("sentiment scorer failed", zap.Error(err))
		return 0
	}
	return s
}
