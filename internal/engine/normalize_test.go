package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlisten/internal/model"
	"agentlisten/internal/scoring"
)

type failingScorer struct{}

func (failingScorer) Score(string) (float64, error) { return 0, errors.New("scorer offline") }

func fixedNormalizer(at time.Time) *Normalizer {
	n := NewNormalizer(nil, scoring.NewLexicon())
	n.Now = func() time.Time { return at }
	return n
}

func TestNormalizeString(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	msg, err := fixedNormalizer(at).Normalize("good morning @alice", model.Context{GroupID: "g1", Sender: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "text", msg.ContentType)
	assert.Equal(t, at, msg.Timestamp)
	assert.Equal(t, "g1", msg.GroupID)
	assert.Equal(t, "u1", msg.Sender)
	assert.Equal(t, []string{"alice"}, msg.Mentions)
	require.NotNil(t, msg.Sentiment)
	assert.Equal(t, model.SentimentPositive, msg.Sentiment.Type)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	msg, err := fixedNormalizer(first).Normalize(map[string]any{
		"content":      "hello",
		"content_type": "markdown",
	}, model.Context{})
	require.NoError(t, err)

	later := first.Add(time.Hour)
	again, err := fixedNormalizer(later).Normalize(msg, model.Context{GroupID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "markdown", again.ContentType)
	assert.Equal(t, first, again.Timestamp)
	assert.Equal(t, msg.Sentiment, again.Sentiment)
	assert.Equal(t, "other", again.GroupID, "empty fields are still filled from context")

	third, err := fixedNormalizer(later).Normalize(&again, model.Context{GroupID: "third"})
	require.NoError(t, err)
	assert.Equal(t, "other", third.GroupID)
}

func TestNormalizeContextDoesNotOverwrite(t *testing.T) {
	msg, err := NewNormalizer(nil, nil).Normalize(map[string]any{
		"content":  "x",
		"group_id": "g-msg",
		"sender":   "s-msg",
		"channel":  "web",
	}, model.Context{GroupID: "g-ctx", Sender: "s-ctx", Extra: map[string]any{"channel": "api", "trace": "t1"}})
	require.NoError(t, err)
	assert.Equal(t, "g-msg", msg.GroupID)
	assert.Equal(t, "s-msg", msg.Sender)
	assert.Equal(t, "web", msg.Extra["channel"])
	assert.Equal(t, "t1", msg.Extra["trace"])
}

func TestNormalizeAttachesHistory(t *testing.T) {
	history := []model.Message{{Content: "earlier", Timestamp: time.Now()}}
	msg, err := NewNormalizer(nil, nil).Normalize("now", model.Context{
		GroupID:        "g1",
		MessageHistory: map[string][]model.Message{"g1": history, "g2": {{Content: "elsewhere"}}},
	})
	require.NoError(t, err)
	require.Len(t, msg.ContextMessages, 1)
	assert.Equal(t, "earlier", msg.ContextMessages[0].Content)

	direct, err := NewNormalizer(nil, nil).Normalize("now", model.Context{
		MessageHistory: map[string][]model.Message{"g1": history},
	})
	require.NoError(t, err)
	assert.Empty(t, direct.ContextMessages)
}

func TestExtractMentions(t *testing.T) {
	assert.Equal(t, []string{"bot", "alice"}, ExtractMentions("ping @agent:bot and @alice"))
	assert.Empty(t, ExtractMentions("no mentions here"))
	assert.Equal(t, []string{"TestAgent"}, ExtractMentions("@TestAgent 你好"))
}

func TestNormalizeMergesMentions(t *testing.T) {
	msg, err := NewNormalizer(nil, nil).Normalize(map[string]any{
		"content":  "@TestAgent hi @bob",
		"mentions": []any{"TestAgent", "carol"},
	}, model.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"TestAgent", "carol", "bob"}, msg.Mentions)
}

func TestNormalizeScorerFailureOmitsSentiment(t *testing.T) {
	msg, err := NewNormalizer(nil, failingScorer{}).Normalize("great", model.Context{})
	require.NoError(t, err)
	assert.Nil(t, msg.Sentiment)
	assert.Equal(t, "great", msg.Content)
}

func TestNormalizeStructuredContent(t *testing.T) {
	msg, err := NewNormalizer(nil, scoring.NewLexicon()).Normalize(map[string]any{
		"content": map[string]any{"kind": "card", "title": "great"},
	}, model.Context{})
	require.NoError(t, err)
	assert.Equal(t, "card", msg.Payload["kind"])
	assert.Empty(t, msg.Content)
	assert.Nil(t, msg.Sentiment)
}

func TestNormalizeRejectsBadShapes(t *testing.T) {
	n := NewNormalizer(nil, nil)
	_, err := n.Normalize(nil, model.Context{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = n.Normalize(map[string]any{"content": "x", "timestamp": "yesterday"}, model.Context{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	var nilMsg *model.Message
	_, err = n.Normalize(nilMsg, model.Context{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestSelects(t *testing.T) {
	group := model.Message{GroupID: "g1"}
	direct := model.Message{}

	r := model.Rule{ID: "r", AgentID: "a1", AgentName: "Bot", IsActive: true, TriggerType: model.TriggerKeyword}
	assert.False(t, Selects(r, group))
	assert.False(t, Selects(r, direct))

	r.ListenInGroups = true
	assert.True(t, Selects(r, group))
	r.AllowedGroups = []string{"g2"}
	assert.False(t, Selects(r, group))
	r.AllowedGroups = []string{"g1", "g2"}
	assert.True(t, Selects(r, group))

	r.ListenInDirect = true
	assert.True(t, Selects(r, direct))
	r.IsActive = false
	assert.False(t, Selects(r, direct))

	mention := model.Rule{ID: "m", AgentID: "a1", AgentName: "Bot", IsActive: true, TriggerType: model.TriggerMention}
	assert.False(t, Selects(mention, group))
	assert.True(t, Selects(mention, model.Message{GroupID: "g1", Mentions: []string{"a1"}}))
	assert.True(t, Selects(mention, model.Message{Mentions: []string{"bot"}}))
	mention.IsActive = false
	assert.False(t, Selects(mention, model.Message{Mentions: []string{"a1"}}))
}

func TestSortCandidates(t *testing.T) {
	rs := []model.Rule{{ID: "c", Priority: 2}, {ID: "b", Priority: 1}, {ID: "a", Priority: 2}}
	SortCandidates(rs)
	assert.Equal(t, []string{"b", "a", "c"}, []string{rs[0].ID, rs[1].ID, rs[2].ID})
}
