package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"advisor-go/internal/config"
	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/internal/testutil"
	"advisor-go/pkg/llm"
	"advisor-go/pkg/tasks"

	"gorm.io/gorm"
)

// fakeStream yields the configured cumulative snapshots. With block set it
// waits for Close after the last snapshot, like a stalled connection.
type fakeStream struct {
	snaps []string
	err   error
	block bool

	i         int
	text      string
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(snaps []string, err error, block bool) *fakeStream {
	return &fakeStream{snaps: snaps, err: err, block: block, closed: make(chan struct{})}
}

func (s *fakeStream) Next() bool {
	if s.i < len(s.snaps) {
		s.text = s.snaps[s.i]
		s.i++
		return true
	}
	if s.block {
		<-s.closed
		s.err = &llm.Error{Kind: llm.KindNetwork, Err: errors.New("connection closed")}
		s.block = false
	}
	return false
}

func (s *fakeStream) Text() string { return s.text }
func (s *fakeStream) Err() error   { return s.err }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeLLM records requests. Without configured snapshots it answers "re: <prompt>".
type fakeLLM struct {
	mu        sync.Mutex
	reqs      []llm.Request
	snaps     []string
	streamErr error
	openErr   error
	err       error
	empty     bool
	reply     string
	block     bool
	streams   []*fakeStream
}

func (f *fakeLLM) record(req llm.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeLLM) request(i int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.record(req)
	if f.err != nil {
		return "", f.err
	}
	if f.empty {
		return "", nil
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "re: " + req.Prompt, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request) (llm.TextStream, error) {
	f.record(req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	snaps := f.snaps
	if snaps == nil {
		snaps = []string{"re: " + req.Prompt}
	}
	s := newFakeStream(snaps, f.streamErr, f.block)
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeLLM) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type recordingPublisher struct {
	mu    sync.Mutex
	tasks []tasks.ConversationIndexTask
}

func (p *recordingPublisher) PublishIndexTask(_ context.Context, task tasks.ConversationIndexTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

// failingGateway fails every write, like an unreachable store.
type failingGateway struct {
	ConversationGateway
	appends int
	mu      sync.Mutex
}

func (g *failingGateway) CreateConversation(context.Context, model.Identity, *model.Persona, string) (*model.Conversation, error) {
	return nil, &GatewayError{Op: "create conversation", Kind: GatewayPersistence, Err: errors.New("store unavailable")}
}

func (g *failingGateway) AppendTurn(context.Context, model.Identity, uint, model.Message) error {
	g.mu.Lock()
	g.appends++
	g.mu.Unlock()
	return &GatewayError{Op: "append turn", Kind: GatewayPersistence, Err: errors.New("store unavailable")}
}

var testProfiles = map[string]model.PersonaProfile{
	"socrates": {
		Greeting:        "Greetings, friend. Shall we examine something together?",
		PromptOverrides: "Prefer questions to answers.",
	},
}

type harness struct {
	db        *gorm.DB
	llm       *fakeLLM
	repo      repository.ConversationRepository
	gateway   ConversationGateway
	catalog   PersonaCatalog
	history   *repository.MemoryHistoryStore
	publisher *recordingPublisher
	owner     model.Identity
	cfg       config.SessionConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedPersonas(t, db)
	h := &harness{
		db:        db,
		llm:       &fakeLLM{},
		repo:      repository.NewConversationRepository(db),
		history:   repository.NewMemoryHistoryStore(),
		publisher: &recordingPublisher{},
		owner:     model.Identity{UserID: "user-1", DisplayName: "Ada"},
		cfg:       config.SessionConfig{HistoryPairs: 10, Streaming: true, PersistTimeout: 5 * time.Second},
	}
	h.gateway = NewConversationGateway(h.repo, nil, h.publisher)
	h.catalog = NewPersonaCatalog(repository.NewPersonaRepository(db), testProfiles)
	return h
}

func (h *harness) service() ChatService {
	return NewChatService(h.catalog, h.gateway, h.llm, h.history, h.cfg)
}

func (h *harness) session() *ChatSession {
	return h.service().NewSession(h.owner)
}

func (h *harness) persona(t *testing.T, id string) *model.Persona {
	t.Helper()
	p, err := h.catalog.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("catalog.Get(%s) error = %v", id, err)
	}
	return p
}

func (h *harness) open(t *testing.T, id string) *ChatSession {
	t.Helper()
	s := h.session()
	if err := s.Open(context.Background(), h.persona(t, id), nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func (h *harness) storedTurns(t *testing.T, s *ChatSession) []model.Message {
	t.Helper()
	s.Flush()
	id := s.ConversationID()
	if id == nil {
		t.Fatal("session has no conversation id")
	}
	turns, err := h.gateway.GetTurns(context.Background(), h.owner, *id)
	if err != nil {
		t.Fatalf("GetTurns() error = %v", err)
	}
	return turns
}

func sameMessages(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content ||
			a[i].IsFromUser != b[i].IsFromUser || !a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
	}
	return true
}

func drain(sub *Subscription) []Snapshot {
	var out []Snapshot
	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, snap)
		default:
			return out
		}
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
