package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agentlisten/internal/model"
	"agentlisten/internal/rules"
	"agentlisten/internal/scoring"
)

const DefaultHighPriorityThreshold = 5

// Stats is a snapshot of engine counters. Rule errors are kept apart from
// the result list so "nothing matched" and "everything failed" can be told
// apart.
type Stats struct {
	Processed      int64 `json:"processed"`
	Matched        int64 `json:"matched"`
	Responses      int64 `json:"responses"`
	RuleErrors     int64 `json:"rule_errors"`
	HookErrors     int64 `json:"hook_errors"`
	SelectorErrors int64 `json:"selector_errors"`
	PersistErrors  int64 `json:"persist_errors"`
	Malformed      int64 `json:"malformed"`
}

type counters struct {
	processed, matched, responses         atomic.Int64
	ruleErrors, hookErrors                atomic.Int64
	selectorErrors, persistErrors, malfmt atomic.Int64
}

type Engine struct {
	store        RuleStore
	evaluator    *rules.Evaluator
	normalizer   *Normalizer
	hooks        []MatchHook
	logger       *zap.Logger
	now          func() time.Time
	highPriority int
	stats        counters
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEvaluator(ev *rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

func WithSentimentScorer(s scoring.SentimentScorer) Option {
	return func(e *Engine) { e.normalizer.Sentiment = s }
}

func WithHooks(hooks ...MatchHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHighPriorityThreshold sets the priority at or below which an exclusive
// rule stops evaluation.
func WithHighPriorityThreshold(p int) Option {
	return func(e *Engine) { e.highPriority = p }
}

func New(store RuleStore, opts ...Option) *Engine {
	sentiment := scoring.NewLexicon()
	e := &Engine{
		store:        store,
		normalizer:   NewNormalizer(nil, sentiment),
		logger:       zap.NewNop(),
		now:          time.Now,
		highPriority: DefaultHighPriorityThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalizer.Logger = e.logger
	e.normalizer.Now = e.now
	if e.evaluator == nil {
		e.evaluator = rules.NewEvaluator(e.logger, e.normalizer.Sentiment, scoring.BagOfWords{})
	}
	return e
}

func (e *Engine) Normalize(raw any, mctx model.Context) (model.Message, error) {
	return e.normalizer.Normalize(raw, mctx)
}

// ProcessMessage normalizes raw, evaluates candidate rules in priority order
// and returns the produced responses. Only malformed input and selector
// failures are returned as errors.
func (e *Engine) ProcessMessage(ctx context.Context, raw any, mctx model.Context) ([]model.Response, error) {
	e.stats.processed.Add(1)
	msg, err := e.normalizer.Normalize(raw, mctx)
	if err != nil {
		e.stats.malfmt.Add(1)
		return nil, err
	}

	candidates, err := e.store.FindCandidateRules(ctx, msg)
	if err != nil {
		e.stats.selectorErrors.Add(1)
		return nil, fmt.Errorf("find candidate rules: %w", err)
	}
	SortCandidates(candidates)

	var out []model.Response
	for i := range candidates {
		rule := &candidates[i]
		resp, ok, err := e.evaluate(rule, msg)
		if err != nil {
			e.stats.ruleErrors.Add(1)
			e.logger.Error("rule evaluation failed",
				zap.String("rule_id", rule.ID), zap.String("trigger_type", string(rule.TriggerType)), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		e.stats.matched.Add(1)

		if err := e.store.PersistRuleState(ctx, *rule); err != nil {
			e.stats.persistErrors.Add(1)
			e.logger.Warn("persist rule state failed", zap.String("rule_id", rule.ID), zap.Error(err))
		}
		resp.Metadata = &model.RuleMetadata{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			TriggerType: rule.TriggerType,
			Priority:    rule.Priority,
		}
		out = append(out, resp)
		e.stats.responses.Add(1)
		e.fireHooks(ctx, MatchEvent{Rule: *rule, Message: msg, Response: resp})

		if rule.Priority <= e.highPriority && rule.TriggerCondition.Exclusive {
			e.logger.Debug("exclusive rule halted evaluation", zap.String("rule_id", rule.ID))
			break
		}
	}
	return out, nil
}

// evaluate gates, matches and builds the response for one rule, recording
// the trigger on the in-memory copy. A panic inside a matcher is returned as
// an error.
func (e *Engine) evaluate(rule *model.Rule, msg model.Message) (resp model.Response, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	now := e.now()
	if !rules.CanTrigger(*rule, now) {
		return model.Response{}, false, nil
	}
	matched, err := e.evaluator.Matches(*rule, msg, now)
	if err != nil || !matched {
		return model.Response{}, false, err
	}
	resp, ok = rules.BuildResponse(*rule, msg, now)
	if !ok {
		e.logger.Debug("rule matched but produced no response", zap.String("rule_id", rule.ID))
		return model.Response{}, false, nil
	}
	rules.RecordTrigger(rule, now)
	return resp, true, nil
}

func (e *Engine) fireHooks(ctx context.Context, ev MatchEvent) {
	for _, h := range e.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.stats.hookErrors.Add(1)
					e.logger.Error("match hook panicked", zap.String("rule_id", ev.Rule.ID), zap.Any("panic", r))
				}
			}()
			if err := h.OnMatch(ctx, ev); err != nil {
				e.stats.hookErrors.Add(1)
				e.logger.Warn("match hook failed", zap.String("rule_id", ev.Rule.ID), zap.Error(err))
			}
		}()
	}
}

type RuleSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	TriggerType model.TriggerType `json:"trigger_type"`
	Priority    int               `json:"priority"`
}

type TestResult struct {
	Rule     RuleSummary     `json:"rule"`
	Message  model.Message   `json:"message"`
	Match    bool            `json:"match"`
	Response *model.Response `json:"response,omitempty"`
}

// TestRule evaluates a single rule against raw. When apply is set and the
// rule matches, the response is built and the trigger committed like a
// regular match.
func (e *Engine) TestRule(ctx context.Context, ruleID string, raw any, apply bool) (TestResult, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return TestResult{}, err
	}
	msg, err := e.normalizer.Normalize(raw, model.Context{})
	if err != nil {
		return TestResult{}, err
	}
	matched, err := e.evaluator.Matches(rule, msg, e.now())
	if err != nil {
		return TestResult{}, fmt.Errorf("evaluate rule %s: %w", ruleID, err)
	}
	res := TestResult{
		Rule:    RuleSummary{ID: rule.ID, Name: rule.Name, TriggerType: rule.TriggerType, Priority: rule.Priority},
		Message: msg,
		Match:   matched,
	}
	if !matched || !apply {
		return res, nil
	}
	now := e.now()
	resp, ok := rules.BuildResponse(rule, msg, now)
	if !ok {
		return res, nil
	}
	rules.RecordTrigger(&rule, now)
	if err := e.store.PersistRuleState(ctx, rule); err != nil {
		e.stats.persistErrors.Add(1)
		e.logger.Warn("persist rule state failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	res.Response = &resp
	return res, nil
}

func (e *Engine) AgentRules(ctx context.Context, agentID string) ([]model.Rule, error) {
	return e.store.AgentRules(ctx, agentID)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Processed:      e.stats.processed.Load(),
		Matched:        e.stats.matched.Load(),
		Responses:      e.stats.responses.Load(),
		RuleErrors:     e.stats.ruleErrors.Load(),
		HookErrors:     e.stats.hookErrors.Load(),
		SelectorErrors: e.stats.selectorErrors.Load(),
		PersistErrors:  e.stats.persistErrors.Load(),
		Malformed:      e.stats.malfmt.Load(),
	}
}
