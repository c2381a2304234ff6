package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlisten/internal/model"
)

func ptr[T any](v T) *T { return &v }

func baseRule(tt model.TriggerType) model.Rule {
	return model.Rule{
		ID:             "r1",
		Name:           "rule one",
		AgentID:        "a1",
		AgentName:      "TestAgent",
		IsActive:       true,
		Priority:       10,
		TriggerType:    tt,
		ResponseType:   model.ResponseAutoReply,
		ListenInGroups: true,
		ListenInDirect: true,
		ResponseContent: model.ResponseContent{
			ReplyTemplate: "hi {user}, {agent_name} here",
		},
	}
}

func TestCooldownZeroNeverCools(t *testing.T) {
	now := time.Now()
	r := baseRule(model.TriggerAllMessages)
	for i := 0; i < 5; i++ {
		RecordTrigger(&r, now)
		assert.False(t, IsOnCooldown(r, now))
		assert.True(t, CanTrigger(r, now))
	}
	assert.Equal(t, 5, r.TriggerCount)
}

func TestCooldownWindow(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := baseRule(model.TriggerAllMessages)
	r.CooldownPeriodSeconds = 60

	assert.True(t, CanTrigger(r, now), "never triggered")
	RecordTrigger(&r, now)
	require.NotNil(t, r.LastTriggeredAt)

	assert.False(t, CanTrigger(r, now.Add(59*time.Second)))
	assert.True(t, CanTrigger(r, now.Add(60*time.Second)))
}

func TestInactiveNeverMatches(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	r := baseRule(model.TriggerAllMessages)
	r.IsActive = false
	ok, err := e.Matches(r, model.Message{Content: "anything"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyword(t *testing.T) {
	cond := model.TriggerCondition{Keywords: []string{"help"}}
	assert.True(t, MatchKeyword(cond, "I need HELP"))
	assert.False(t, MatchKeyword(cond, "all good"))
	assert.False(t, MatchKeyword(model.TriggerCondition{}, "help"))
	assert.False(t, MatchKeyword(model.TriggerCondition{Keywords: []string{""}}, "help"))
}

func TestRegex(t *testing.T) {
	cond := model.TriggerCondition{Pattern: `如何(\w+)`}
	assert.True(t, MatchRegex(cond, "如何使用这个功能？"))
	assert.False(t, MatchRegex(cond, "今天天气真好。"))

	assert.False(t, MatchRegex(model.TriggerCondition{Pattern: "(["}, "(["), "invalid pattern")
	assert.False(t, MatchRegex(model.TriggerCondition{}, "anything"), "missing pattern")

	sensitive := model.TriggerCondition{Pattern: "deploy"}
	assert.False(t, MatchRegex(sensitive, "DEPLOY now"))
	sensitive.IgnoreCase = true
	assert.True(t, MatchRegex(sensitive, "DEPLOY now"))
}

func TestEvaluatorRegexInvalidIsNoMatch(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	r := baseRule(model.TriggerRegex)
	r.TriggerCondition.Pattern = "(unclosed"
	ok, err := e.Matches(r, model.Message{Content: "(unclosed"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	r.TriggerCondition.Pattern = ""
	ok, err = e.Matches(r, model.Message{Content: "anything at all"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMention(t *testing.T) {
	r := baseRule(model.TriggerMention)
	assert.True(t, MatchMention(r, model.Message{Content: "hey @testagent can you help"}))
	assert.True(t, MatchMention(r, model.Message{Content: "hi", Mentions: []string{"a1"}}))
	assert.True(t, MatchMention(r, model.Message{Content: "hi", Mentions: []string{"TestAgent"}}))
	assert.False(t, MatchMention(r, model.Message{Content: "hi @other", Mentions: []string{"other"}}))
}

func TestSentimentThresholds(t *testing.T) {
	pos := model.TriggerCondition{TargetSentiment: model.SentimentPositive}
	assert.True(t, MatchSentiment(pos, 0.5))
	assert.False(t, MatchSentiment(pos, 0.49))

	neg := model.TriggerCondition{TargetSentiment: model.SentimentNegative, Threshold: ptr(0.2)}
	assert.True(t, MatchSentiment(neg, -0.2))
	assert.False(t, MatchSentiment(neg, 0))

	neu := model.TriggerCondition{TargetSentiment: model.SentimentNeutral}
	assert.True(t, MatchSentiment(neu, 0.49))
	assert.False(t, MatchSentiment(neu, -0.5))

	assert.False(t, MatchSentiment(model.TriggerCondition{}, 1))
}

type fixedScorer struct {
	score float64
	err   error
}

func (f fixedScorer) Score(string) (float64, error) { return f.score, f.err }

func TestEvaluatorSentimentScorerFailureIsNeutral(t *testing.T) {
	e := NewEvaluator(nil, fixedScorer{err: errors.New("down")}, nil)
	r := baseRule(model.TriggerSentiment)
	r.TriggerCondition.TargetSentiment = model.SentimentNeutral

	ok, err := e.Matches(r, model.Message{Content: "whatever"}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	r.TriggerCondition.TargetSentiment = model.SentimentPositive
	ok, err = e.Matches(r, model.Message{Content: "whatever"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func contextRule() model.Rule {
	r := baseRule(model.TriggerContextAware)
	r.TriggerCondition = model.TriggerCondition{
		ContextRules: []model.ContextClause{
			{Type: model.ClauseKeyword, Value: "数据库", Weight: ptr(1.0)},
			{Type: model.ClauseKeyword, Value: "错误", Weight: ptr(1.0)},
		},
		MatchThreshold: ptr(0.7),
	}
	return r
}

func TestContextAwareScoring(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	now := time.Now()
	r := contextRule()

	both := model.Message{Content: "怎么办", ContextMessages: []model.Message{
		{Content: "数据库连接不上", Timestamp: now.Add(-time.Minute)},
		{Content: "日志里有错误", Timestamp: now.Add(-30 * time.Second)},
	}}
	score, ok := e.ContextScore(r, both, now)
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)
	matched, err := e.Matches(r, both, now)
	require.NoError(t, err)
	assert.True(t, matched)

	one := model.Message{Content: "怎么办", ContextMessages: []model.Message{
		{Content: "数据库连接不上", Timestamp: now.Add(-time.Minute)},
	}}
	score, ok = e.ContextScore(r, one, now)
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9)
	matched, err = e.Matches(r, one, now)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestContextAwareWindow(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	now := time.Now()
	r := contextRule()

	stale := model.Message{ContextMessages: []model.Message{
		{Content: "数据库 错误", Timestamp: now.Add(-10 * time.Minute)},
	}}
	_, ok := e.ContextScore(r, stale, now)
	assert.False(t, ok)

	r.TriggerCondition.ContextSize = ptr(1)
	trimmed := model.Message{ContextMessages: []model.Message{
		{Content: "数据库 错误", Timestamp: now.Add(-time.Minute)},
		{Content: "没事了", Timestamp: now.Add(-time.Second)},
	}}
	score, ok := e.ContextScore(r, trimmed, now)
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestContextAwareInvalidRegexClauseSkipped(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	now := time.Now()
	r := baseRule(model.TriggerContextAware)
	r.TriggerCondition = model.TriggerCondition{
		ContextRules: []model.ContextClause{
			{Type: model.ClauseRegex, Value: "(["},
			{Type: model.ClauseRegex, Value: `time\w+`},
		},
	}
	msg := model.Message{ContextMessages: []model.Message{{Content: "Timeout again", Timestamp: now}}}
	score, ok := e.ContextScore(r, msg, now)
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestContextAwareWithoutClausesNeverMatches(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	now := time.Now()
	r := baseRule(model.TriggerContextAware)
	r.TriggerCondition = model.TriggerCondition{MatchThreshold: ptr(0.0)}
	msg := model.Message{Content: "hi", ContextMessages: []model.Message{{Content: "earlier", Timestamp: now}}}

	_, ok := e.ContextScore(r, msg, now)
	assert.False(t, ok)
	matched, err := e.Matches(r, msg, now)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestBuildResponse(t *testing.T) {
	now := time.Now()
	r := baseRule(model.TriggerMention)

	resp, ok := BuildResponse(r, model.Message{ID: "m1", Sender: "alice"}, now)
	require.True(t, ok)
	assert.Equal(t, "hi alice, TestAgent here", resp.Content)
	assert.Equal(t, "r1", resp.RuleID)
	assert.Equal(t, "m1", resp.MessageID)
	assert.Equal(t, 1.0, resp.Confidence)

	resp, ok = BuildResponse(r, model.Message{}, now)
	require.True(t, ok)
	assert.Equal(t, "hi user, TestAgent here", resp.Content)

	r.ResponseContent.ReplyTemplate = ""
	_, ok = BuildResponse(r, model.Message{}, now)
	assert.False(t, ok)

	r.ResponseType = model.ResponseNotification
	resp, ok = BuildResponse(r, model.Message{}, now)
	require.True(t, ok)
	assert.Equal(t, DefaultNotificationText, resp.Content)

	r.ResponseType = model.ResponseTask
	r.ResponseContent.TaskDescription = "look into it"
	resp, ok = BuildResponse(r, model.Message{}, now)
	require.True(t, ok)
	assert.Equal(t, DefaultTaskTitle, resp.TaskTitle)
	assert.Equal(t, "look into it", resp.TaskDescription)

	r.ResponseType = model.ResponseAction
	r.ResponseContent.ActionName = "summarize_conversation"
	r.ResponseContent.ActionParams = map[string]any{"limit": 10}
	resp, ok = BuildResponse(r, model.Message{}, now)
	require.True(t, ok)
	assert.Equal(t, "summarize_conversation", resp.ActionName)
	assert.Equal(t, 10, resp.ActionParams["limit"])

	r.ResponseType = model.ResponseCustom
	r.ResponseContent.CustomResponse = "custom!"
	resp, ok = BuildResponse(r, model.Message{}, now)
	require.True(t, ok)
	assert.Equal(t, "custom!", resp.Content)
}

type stubCustom struct{ ok bool }

func (s stubCustom) Match(model.Rule, model.Message) (bool, error) { return s.ok, nil }

func TestCustomTrigger(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	r := baseRule(model.TriggerCustom)
	ok, err := e.Matches(r, model.Message{Content: "x"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	e.Custom = stubCustom{ok: true}
	ok, err = e.Matches(r, model.Message{Content: "x"}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownTriggerTypeErrors(t *testing.T) {
	e := NewEvaluator(nil, nil, nil)
	r := baseRule("bogus")
	_, err := e.Matches(r, model.Message{}, time.Now())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ok := baseRule(model.TriggerKeyword)
	ok.TriggerCondition.Keywords = []string{"help"}
	ok.ResponseContent.ReplyTemplate = "hi {user}"
	require.NoError(t, Validate(ok))

	cases := map[string]func(*model.Rule){
		"no name":         func(r *model.Rule) { r.Name = "" },
		"no agent":        func(r *model.Rule) { r.AgentID = "" },
		"trigger":         func(r *model.Rule) { r.TriggerType = "telepathy" },
		"response":        func(r *model.Rule) { r.ResponseType = "smoke_signal" },
		"cooldown":        func(r *model.Rule) { r.CooldownPeriodSeconds = -1 },
		"no keywords":     func(r *model.Rule) { r.TriggerCondition.Keywords = nil },
		"no template":     func(r *model.Rule) { r.ResponseContent.ReplyTemplate = "" },
		"bad regex":       func(r *model.Rule) { r.TriggerType = model.TriggerRegex; r.TriggerCondition.Pattern = "(" },
		"bad sentiment":   func(r *model.Rule) { r.TriggerType = model.TriggerSentiment; r.TriggerCondition.TargetSentiment = "angry" },
		"no context rule": func(r *model.Rule) { r.TriggerType = model.TriggerContextAware },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := ok
			mutate(&r)
			assert.ErrorIs(t, Validate(r), ErrInvalidRule)
		})
	}
}
