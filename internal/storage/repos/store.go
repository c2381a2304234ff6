package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store implements the rule store, agent directory, record store and group
// history on top of sqlite.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func New(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

func newID() string {
	return uuid.NewString()
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON[T any](s string) T {
	var v T
	if strings.TrimSpace(s) == "" {
		return v
	}
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTSPtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTS(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatTSPtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func page(pageNum, perPage int) (limit, offset int) {
	if pageNum <= 0 {
		pageNum = 1
	}
	if perPage <= 0 || perPage > 500 {
		perPage = 50
	}
	return perPage, (pageNum - 1) * perPage
}

type Stats struct {
	Agents        int `json:"agents"`
	Rules         int `json:"rules"`
	ActiveRules   int `json:"active_rules"`
	Interactions  int `json:"interactions"`
	GroupMessages int `json:"group_messages"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		dst   *int
		query string
	}{
		{&st.Agents, "SELECT COUNT(*) FROM agents"},
		{&st.Rules, "SELECT COUNT(*) FROM rules"},
		{&st.ActiveRules, "SELECT COUNT(*) FROM rules WHERE is_active = 1"},
		{&st.Interactions, "SELECT COUNT(*) FROM interactions"},
		{&st.GroupMessages, "SELECT COUNT(*) FROM group_messages"},
	} {
		if err := s.DB.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
