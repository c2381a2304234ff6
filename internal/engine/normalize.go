package engine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"agentlisten/internal/model"
	"agentlisten/internal/scoring"
)

var mentionPattern = regexp2.MustCompile(`@(?:agent:)?(\S+)`, regexp2.None)

// Normalizer turns heterogeneous inbound messages into model.Message.
type Normalizer struct {
	Sentiment scoring.SentimentScorer
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewNormalizer(logger *zap.Logger, sentiment scoring.SentimentScorer) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{Sentiment: sentiment, Logger: logger, Now: time.Now}
}

// Normalize accepts a string, a model.Message (or pointer), or a decoded JSON
// object. Fields already present on the message are never overwritten.
func (n *Normalizer) Normalize(raw any, mctx model.Context) (model.Message, error) {
	now := n.Now().UTC()
	var msg model.Message
	switch v := raw.(type) {
	case string:
		msg = model.Message{Content: v, ContentType: "text", Timestamp: now}
	case model.Message:
		msg = cloneMessage(v)
	case *model.Message:
		if v == nil {
			return model.Message{}, fmt.Errorf("%w: nil message", ErrMalformedMessage)
		}
		msg = cloneMessage(*v)
	case map[string]any:
		m, err := messageFromMap(v)
		if err != nil {
			return model.Message{}, err
		}
		msg = m
	default:
		return model.Message{}, fmt.Errorf("%w: unsupported type %T", ErrMalformedMessage, raw)
	}

	if msg.ContentType == "" {
		msg.ContentType = "text"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	if msg.GroupID == "" {
		msg.GroupID = mctx.GroupID
	}
	if msg.Sender == "" {
		msg.Sender = mctx.Sender
	}
	if msg.ID == "" {
		msg.ID = mctx.MessageID
	}
	for k, v := range mctx.Extra {
		if msg.Extra == nil {
			msg.Extra = map[string]any{}
		}
		if _, exists := msg.Extra[k]; !exists {
			msg.Extra[k] = v
		}
	}

	if msg.GroupID != "" && len(msg.ContextMessages) == 0 {
		if history, ok := mctx.MessageHistory[msg.GroupID]; ok {
			msg.ContextMessages = slices.Clone(history)
		}
	}

	msg.Mentions = mergeMentions(msg.Mentions, ExtractMentions(msg.Content))

	if msg.Sentiment == nil && msg.Payload == nil && msg.Content != "" && n.Sentiment != nil {
		score, err := n.Sentiment.Score(msg.Content)
		if err != nil {
			n.Logger.Warn("sentiment scoring failed, field omitted", zap.Error(err))
		} else {
			msg.Sentiment = &model.Sentiment{Score: score, Type: scoring.Polarity(score)}
		}
	}
	return msg, nil
}

// ExtractMentions returns @name and @agent:name tokens in order of appearance.
func ExtractMentions(content string) []string {
	var out []string
	m, err := mentionPattern.FindStringMatch(content)
	for err == nil && m != nil {
		if g := m.GroupByNumber(1); g != nil && g.String() != "" {
			out = append(out, g.String())
		}
		m, err = mentionPattern.FindNextMatch(m)
	}
	return out
}

func mergeMentions(existing, found []string) []string {
	out := make([]string, 0, len(existing)+len(found))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{existing, found} {
		for _, m := range list {
			if _, dup := seen[m]; dup || m == "" {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func cloneMessage(m model.Message) model.Message {
	m.Mentions = slices.Clone(m.Mentions)
	m.ContextMessages = slices.Clone(m.ContextMessages)
	m.Extra = maps.Clone(m.Extra)
	m.Payload = maps.Clone(m.Payload)
	if m.Sentiment != nil {
		s := *m.Sentiment
		m.Sentiment = &s
	}
	return m
}

var knownMessageKeys = map[string]struct{}{
	"id": {}, "content": {}, "content_type": {}, "timestamp": {}, "sender": {},
	"group_id": {}, "mentions": {}, "context_messages": {}, "sentiment": {},
}

func messageFromMap(v map[string]any) (model.Message, error) {
	var msg model.Message
	msg.ID = stringField(v, "id")
	msg.ContentType = stringField(v, "content_type")
	msg.Sender = stringField(v, "sender")
	msg.GroupID = stringField(v, "group_id")

	switch c := v["content"].(type) {
	case nil:
	case string:
		msg.Content = c
	case map[string]any:
		msg.Payload = maps.Clone(c)
	default:
		return model.Message{}, fmt.Errorf("%w: content of type %T", ErrMalformedMessage, c)
	}

	ts, err := parseTimestamp(v["timestamp"])
	if err != nil {
		return model.Message{}, err
	}
	msg.Timestamp = ts

	switch ms := v["mentions"].(type) {
	case nil:
	case []string:
		msg.Mentions = slices.Clone(ms)
	case []any:
		for _, m := range ms {
			if s, ok := m.(string); ok {
				msg.Mentions = append(msg.Mentions, s)
			}
		}
	default:
		return model.Message{}, fmt.Errorf("%w: mentions of type %T", ErrMalformedMessage, ms)
	}

	switch cm := v["context_messages"].(type) {
	case nil:
	case []model.Message:
		msg.ContextMessages = slices.Clone(cm)
	case []any:
		for _, item := range cm {
			switch it := item.(type) {
			case string:
				msg.ContextMessages = append(msg.ContextMessages, model.Message{Content: it, ContentType: "text"})
			case map[string]any:
				sub, err := messageFromMap(it)
				if err != nil {
					return model.Message{}, err
				}
				msg.ContextMessages = append(msg.ContextMessages, sub)
			}
		}
	default:
		return model.Message{}, fmt.Errorf("%w: context_messages of type %T", ErrMalformedMessage, cm)
	}

	if s, ok := v["sentiment"].(map[string]any); ok {
		if score, ok := s["score"].(float64); ok {
			typ := model.SentimentType(stringField(s, "type"))
			if !typ.Valid() {
				typ = scoring.Polarity(score)
			}
			msg.Sentiment = &model.Sentiment{Score: score, Type: typ}
		}
	}

	for k, val := range v {
		if _, known := knownMessageKeys[k]; known {
			continue
		}
		if msg.Extra == nil {
			msg.Extra = map[string]any{}
		}
		msg.Extra[k] = val
	}
	return msg, nil
}

func stringField(v map[string]any, key string) string {
	switch s := v[key].(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func parseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return ts.UTC(), nil
	case string:
		if ts == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedMessage, ts)
		}
		return t.UTC(), nil
	case float64:
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp of type %T", ErrMalformedMessage, v)
	}
}
