package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/tasks"
)

// brokenSearchRepo simulates a store without text search support.
type brokenSearchRepo struct {
	repository.ConversationRepository
}

func (brokenSearchRepo) Search(context.Context, string, string) ([]model.Conversation, error) {
	return nil, errors.New("LIKE not supported")
}

type stubSearcher struct {
	ids []uint
	err error
}

func (s stubSearcher) Search(context.Context, string, string) ([]uint, error) {
	return s.ids, s.err
}

func seedConversations(t *testing.T, h *harness) []*model.Conversation {
	t.Helper()
	ctx := context.Background()
	var convs []*model.Conversation
	for i, c := range []struct{ persona, first, reply string }{
		{"socrates", "What is VIRTUE?", "Let us examine it."},
		{"einstein", "Explain relativity", "Imagine riding a beam of light."},
		{"hypatia", "Teach me geometry", "Virtue lies in proportion."},
	} {
		p := h.persona(t, c.persona)
		conv, err := h.gateway.CreateConversation(ctx, h.owner, p, "")
		if err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
		at := time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC)
		for j, turn := range []model.Message{
			{ID: conv.Title + "-u", Content: c.first, IsFromUser: true, Timestamp: at},
			{ID: conv.Title + "-a", Content: c.reply, Timestamp: at.Add(time.Second)},
		} {
			if err := h.gateway.AppendTurn(ctx, h.owner, conv.ID, turn); err != nil {
				t.Fatalf("AppendTurn(%d) error = %v", j, err)
			}
		}
		convs = append(convs, conv)
	}
	return convs
}

func TestGateway_AuthRequired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anon := model.Identity{}
	p := h.persona(t, "socrates")

	checks := map[string]error{}
	_, checks["create"] = h.gateway.CreateConversation(ctx, anon, p, "")
	checks["append"] = h.gateway.AppendTurn(ctx, anon, 1, model.Message{ID: "x"})
	_, checks["get"] = h.gateway.GetConversation(ctx, anon, 1)
	_, checks["list"] = h.gateway.ListConversations(ctx, anon, repository.ListOptions{})
	_, checks["turns"] = h.gateway.GetTurns(ctx, anon, 1)
	_, checks["bookmark"] = h.gateway.ToggleBookmark(ctx, anon, 1)
	checks["delete"] = h.gateway.DeleteConversation(ctx, anon, 1)
	_, checks["search"] = h.gateway.SearchConversations(ctx, anon, "x")

	for op, err := range checks {
		if !errors.Is(err, ErrAuthRequired) || GatewayErrorKindOf(err) != GatewayAuthRequired {
			t.Errorf("%s: err = %v, want auth-required", op, err)
		}
	}
	var n int64
	h.db.Model(&model.Conversation{}).Count(&n)
	if n != 0 {
		t.Errorf("anonymous calls wrote %d rows", n)
	}
}

func TestGateway_CreateAndAppend(t *testing.T) {
	h := newHarness(t)
	convs := seedConversations(t, h)
	ctx := context.Background()

	list, err := h.gateway.ListConversations(ctx, h.owner, repository.ListOptions{NewestFirst: true})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(list) != 3 || list[0].ID != convs[2].ID {
		t.Fatalf("ListConversations() = %+v", list)
	}
	if list[2].Title != "Socrates: What is VIRTUE?" || list[2].Preview != "Let us examine it." || list[2].MessageCount != 2 {
		t.Errorf("conversation = %+v", list[2])
	}

	turns, err := h.gateway.GetTurns(ctx, h.owner, convs[0].ID)
	if err != nil || len(turns) != 2 || !turns[0].IsFromUser {
		t.Errorf("GetTurns() = %+v, %v", turns, err)
	}

	if _, err := h.gateway.GetTurns(ctx, model.Identity{UserID: "other"}, convs[0].ID); GatewayErrorKindOf(err) != GatewayNotFound {
		t.Errorf("GetTurns by other owner: kind = %q", GatewayErrorKindOf(err))
	}
	if conv, err := h.gateway.GetConversation(ctx, h.owner, convs[0].ID); err != nil || conv.CharacterID != "socrates" {
		t.Errorf("GetConversation() = %+v, %v", conv, err)
	}

	h.publisher.mu.Lock()
	published := len(h.publisher.tasks)
	h.publisher.mu.Unlock()
	if published != 9 {
		t.Errorf("published %d index tasks, want 9", published)
	}
}

func TestGateway_BookmarkAndDelete(t *testing.T) {
	h := newHarness(t)
	convs := seedConversations(t, h)
	ctx := context.Background()

	on, err := h.gateway.ToggleBookmark(ctx, h.owner, convs[1].ID)
	if err != nil || !on {
		t.Fatalf("ToggleBookmark() = %v, %v", on, err)
	}
	marked, _ := h.gateway.ListConversations(ctx, h.owner, repository.ListOptions{BookmarkedOnly: true})
	if len(marked) != 1 || marked[0].ID != convs[1].ID {
		t.Errorf("bookmarked = %+v", marked)
	}

	if err := h.gateway.DeleteConversation(ctx, h.owner, convs[1].ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if err := h.gateway.DeleteConversation(ctx, h.owner, convs[1].ID); GatewayErrorKindOf(err) != GatewayNotFound {
		t.Errorf("second delete: kind = %q", GatewayErrorKindOf(err))
	}
	last := h.publisher.tasks[len(h.publisher.tasks)-1]
	if last.Op != tasks.IndexDelete || last.ConversationID != convs[1].ID {
		t.Errorf("last index task = %+v", last)
	}
}

func TestGateway_SearchFallbackIsEquivalent(t *testing.T) {
	h := newHarness(t)
	seedConversations(t, h)
	ctx := context.Background()

	fallback := NewConversationGateway(brokenSearchRepo{h.repo}, nil, nil)
	for _, q := range []string{"virtue", "VIRTUE", "light", "socrates", "xyz", ""} {
		viaSQL, err := h.gateway.SearchConversations(ctx, h.owner, q)
		if err != nil {
			t.Fatalf("SearchConversations(%q) error = %v", q, err)
		}
		viaFilter, err := fallback.SearchConversations(ctx, h.owner, q)
		if err != nil {
			t.Fatalf("fallback SearchConversations(%q) error = %v", q, err)
		}
		if len(viaSQL) != len(viaFilter) {
			t.Fatalf("%q: sql=%d filter=%d results", q, len(viaSQL), len(viaFilter))
		}
		for i := range viaSQL {
			if viaSQL[i].ID != viaFilter[i].ID {
				t.Errorf("%q: result %d differs: %d vs %d", q, i, viaSQL[i].ID, viaFilter[i].ID)
			}
		}
	}

	got, _ := h.gateway.SearchConversations(ctx, h.owner, "virtue")
	if len(got) != 2 {
		t.Errorf("virtue should match a title and a preview, got %d", len(got))
	}
}

func TestGateway_SearchUsesIndex(t *testing.T) {
	h := newHarness(t)
	convs := seedConversations(t, h)
	ctx := context.Background()

	indexed := NewConversationGateway(h.repo, stubSearcher{ids: []uint{convs[1].ID}}, nil)
	got, err := indexed.SearchConversations(ctx, h.owner, "anything")
	if err != nil || len(got) != 1 || got[0].ID != convs[1].ID {
		t.Errorf("indexed search = %+v, %v", got, err)
	}

	down := NewConversationGateway(h.repo, stubSearcher{err: errors.New("es down")}, nil)
	got, err = down.SearchConversations(ctx, h.owner, "relativity")
	if err != nil || len(got) != 1 || got[0].ID != convs[1].ID {
		t.Errorf("search with index down = %+v, %v", got, err)
	}
}

func TestFilterConversations(t *testing.T) {
	convs := []model.Conversation{
		{ID: 1, Title: "Socrates: Virtue", Preview: "x"},
		{ID: 2, Title: "Einstein", Preview: "about VIRTUES"},
		{ID: 3, Title: "Hypatia", Preview: "geometry"},
	}
	got := FilterConversations(convs, "virtue")
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("FilterConversations() = %+v", got)
	}
}
