package pipeline

import (
	"context"
	"errors"
	"testing"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/internal/testutil"
	"advisor-go/pkg/tasks"
)

type fakeIndexer struct {
	docs    map[uint]model.ConversationDocument
	deleted []uint
	err     error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docs: map[uint]model.ConversationDocument{}}
}

func (f *fakeIndexer) Upsert(_ context.Context, doc model.ConversationDocument) error {
	if f.err != nil {
		return f.err
	}
	f.docs[doc.ConversationID] = doc
	return nil
}

func (f *fakeIndexer) Delete(_ context.Context, id uint) error {
	if f.err != nil {
		return f.err
	}
	delete(f.docs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func setup(t *testing.T) (repository.ConversationRepository, *fakeIndexer, *Processor) {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedPersonas(t, db)
	repo := repository.NewConversationRepository(db)
	idx := newFakeIndexer()
	return repo, idx, NewProcessor(repo, idx)
}

func TestProcess_UpsertReadsCurrentRow(t *testing.T) {
	repo, idx, p := setup(t)
	ctx := context.Background()

	conv := &model.Conversation{UserID: "user-1", CharacterID: "socrates", Title: "Socrates: hello", Preview: "hello"}
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := repo.ToggleBookmark(ctx, "user-1", conv.ID); err != nil {
		t.Fatalf("ToggleBookmark() error = %v", err)
	}

	task := tasks.ConversationIndexTask{Op: tasks.IndexUpsert, ConversationID: conv.ID, UserID: "user-1"}
	if err := p.PublishIndexTask(ctx, task); err != nil {
		t.Fatalf("PublishIndexTask() error = %v", err)
	}
	doc, ok := idx.docs[conv.ID]
	if !ok {
		t.Fatal("document not indexed")
	}
	if doc.Title != "Socrates: hello" || !doc.IsBookmarked || doc.UserID != "user-1" {
		t.Errorf("indexed document = %+v", doc)
	}
}

func TestProcess_Delete(t *testing.T) {
	_, idx, p := setup(t)
	idx.docs[5] = model.ConversationDocument{ConversationID: 5}

	if err := p.Process(context.Background(), tasks.ConversationIndexTask{Op: tasks.IndexDelete, ConversationID: 5}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := idx.docs[5]; ok {
		t.Error("document still indexed after delete task")
	}
}

func TestProcess_UpsertOfDeletedConversation(t *testing.T) {
	_, idx, p := setup(t)

	err := p.Process(context.Background(), tasks.ConversationIndexTask{Op: tasks.IndexUpsert, ConversationID: 99, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != 99 {
		t.Errorf("deleted = %v, want [99]", idx.deleted)
	}
}

func TestProcess_IndexFailure(t *testing.T) {
	repo, idx, p := setup(t)
	ctx := context.Background()
	conv := &model.Conversation{UserID: "user-1", CharacterID: "socrates"}
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	idx.err = errors.New("index down")
	err := p.Process(ctx, tasks.ConversationIndexTask{Op: tasks.IndexUpsert, ConversationID: conv.ID, UserID: "user-1"})
	if !errors.Is(err, idx.err) {
		t.Errorf("Process() error = %v, want wrapped index error", err)
	}
}
