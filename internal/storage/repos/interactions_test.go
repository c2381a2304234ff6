package repos

import (
	"context"
	"testing"
	"time"

	"agentlisten/internal/model"
)

func TestInteractionsListAndPrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []model.Interaction{
		{InitiatorID: "u1", ReceiverID: "a1", Timestamp: old, Content: model.InteractionContent{UserMessage: "hi", AgentResponse: "hello"}},
		{InitiatorID: "u2", ReceiverID: "a1", Timestamp: recent},
		{InitiatorID: "u2", ReceiverID: "a2", Timestamp: recent},
	} {
		if _, err := store.RecordInteraction(ctx, in); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	list, total, err := store.ListInteractions(ctx, InteractionFilter{AgentID: "a1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("expected 2 interactions for a1, got %d", total)
	}
	if list[1].Content.AgentResponse != "hello" || list[1].Type != model.InteractionMessage {
		t.Fatalf("content not round-tripped: %+v", list[1])
	}

	n, err := store.PruneInteractions(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
}

func TestRecentGroupMessages(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three", "four"} {
		_, err := store.AppendGroupMessage(ctx, model.GroupMessage{
			GroupID: "g1", SenderID: "u1", Content: text, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendGroupMessage(ctx, model.GroupMessage{SenderID: "u1", Content: "lost"}); err == nil {
		t.Fatal("expected error without group id")
	}

	got, err := store.RecentGroupMessages(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Content != "three" || got[1].Content != "four" {
		t.Fatalf("unexpected window: %+v", got)
	}

	n, err := store.PruneGroupMessages(ctx, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
}
