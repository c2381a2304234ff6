// Package redisstate keeps rule trigger state (last firing time and firing
// count) in Redis so several dispatcher processes share cooldowns.
package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
)

const (
	fieldCount = "trigger_count"
	fieldLast  = "last_triggered_at"

	DefaultKeyPrefix = "agentlisten:rule:"
)

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Store decorates a rule store. PersistRuleState writes through to the base
// store and to Redis; reads prefer the Redis state and fall back to the base
// row for fields Redis does not hold.
type Store struct {
	engine.RuleStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ engine.RuleStore = (*Store)(nil)

type Options struct {
	KeyPrefix string
	// TTL expires idle rule state. Zero keeps it forever.
	TTL    time.Duration
	Logger *zap.Logger
}

func New(base engine.RuleStore, client redis.UniversalClient, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		RuleStore: base,
		client:    client,
		prefix:    opts.KeyPrefix,
		ttl:       opts.TTL,
		logger:    opts.Logger,
	}
}

func (s *Store) Key(ruleID string) string {
	return s.prefix + ruleID
}

// PersistRuleState records the firing in the base store, then increments the
// shared counter and stores the firing time in one MULTI/EXEC.
func (s *Store) PersistRuleState(ctx context.Context, rule model.Rule) error {
	if err := s.RuleStore.PersistRuleState(ctx, rule); err != nil {
		return err
	}
	key := s.Key(rule.ID)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldCount, 1)
	if rule.LastTriggeredAt != nil {
		pipe.HSet(ctx, key, fieldLast, rule.LastTriggeredAt.UTC().Format(time.RFC3339Nano))
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist rule state %s: %w", rule.ID, err)
	}
	return nil
}

func (s *Store) FindCandidateRules(ctx context.Context, msg model.Message) ([]model.Rule, error) {
	rules, err := s.RuleStore.FindCandidateRules(ctx, msg)
	if err != nil {
		return nil, err
	}
	return s.Overlay(ctx, rules)
}

func (s *Store) GetRule(ctx context.Context, id string) (model.Rule, error) {
	r, err := s.RuleStore.GetRule(ctx, id)
	if err != nil {
		return model.Rule{}, err
	}
	out, err := s.Overlay(ctx, []model.Rule{r})
	if err != nil {
		return model.Rule{}, err
	}
	return out[0], nil
}

func (s *Store) AgentRules(ctx context.Context, agentID string) ([]model.Rule, error) {
	rules, err := s.RuleStore.AgentRules(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.Overlay(ctx, rules)
}

// Overlay replaces the trigger state of each rule with the Redis copy. Rules
// without Redis state keep the values the base store returned.
func (s *Store) Overlay(ctx context.Context, rules []model.Rule) ([]model.Rule, error) {
	if len(rules) == 0 {
		return rules, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(rules))
	for i, r := range rules {
		cmds[i] = pipe.HGetAll(ctx, s.Key(r.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load rule state: %w", err)
	}
	out := make([]model.Rule, len(rules))
	for i, r := range rules {
		out[i] = applyState(r, cmds[i].Val(), s.logger)
	}
	return out, nil
}

func applyState(r model.Rule, fields map[string]string, logger *zap.Logger) model.Rule {
	if v, ok := fields[fieldCount]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn("bad trigger count in redis", zap.String("rule_id", r.ID), zap.String("value", v))
		} else {
			r.TriggerCount = n
		}
	}
	if v, ok := fields[fieldLast]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			logger.Warn("bad last trigger time in redis", zap.String("rule_id", r.ID), zap.String("value", v))
		} else {
			t = t.UTC()
			r.LastTriggeredAt = &t
		}
	}
	return r
}
