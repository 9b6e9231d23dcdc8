package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"advisor-go/internal/config"
	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/internal/service"
	"advisor-go/internal/testutil"
	"advisor-go/pkg/llm"
	"advisor-go/pkg/storage"
	"advisor-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// sliceStream 依次返回预置的累积快照。
type sliceStream struct {
	snaps []string
	i     int
}

func (s *sliceStream) Next() bool {
	if s.i >= len(s.snaps) {
		return false
	}
	s.i++
	return true
}

func (s *sliceStream) Text() string { return s.snaps[s.i-1] }
func (s *sliceStream) Err() error   { return nil }
func (s *sliceStream) Close() error { return nil }

type echoLLM struct{}

func (echoLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	return "re: " + req.Prompt, nil
}

func (echoLLM) Stream(_ context.Context, req llm.Request) (llm.TextStream, error) {
	return &sliceStream{snaps: []string{"re:", "re: " + req.Prompt}}, nil
}

type testEnv struct {
	router  *gin.Engine
	gateway service.ConversationGateway
	jwt     *token.JWTManager
	owner   model.Identity
	token   string
}

func newTestEnv(t *testing.T, uploader ImageUploader) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.CreateTestDB(t)
	testutil.SeedPersonas(t, db)

	catalog := service.NewPersonaCatalog(repository.NewPersonaRepository(db), map[string]model.PersonaProfile{
		"socrates": {Greeting: "Greetings, friend."},
	})
	gateway := service.NewConversationGateway(repository.NewConversationRepository(db), nil, nil)
	chat := service.NewChatService(catalog, gateway, echoLLM{}, repository.NewMemoryHistoryStore(),
		config.SessionConfig{HistoryPairs: 10, Streaming: true, PersistTimeout: 5 * time.Second})
	jwt := token.NewJWTManager("secret", "")
	owner := model.Identity{UserID: "user-1", DisplayName: "Ada"}
	tok, err := jwt.GenerateToken(owner, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	return &testEnv{
		router: NewRouter(Dependencies{
			Catalog:  catalog,
			Gateway:  gateway,
			Chat:     chat,
			Verifier: jwt,
			Uploader: uploader,
		}),
		gateway: gateway,
		jwt:     jwt,
		owner:   owner,
		token:   tok,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, authed bool) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

// seed 创建一个有两轮消息的会话。
func (e *testEnv) seed(t *testing.T, personaID, question string, at time.Time) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	p := &model.Persona{ID: personaID, Name: personaID}
	conv, err := e.gateway.CreateConversation(ctx, e.owner, p, "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for i, m := range []model.Message{
		{ID: question + "-u", Content: question, IsFromUser: true, Timestamp: at},
		{ID: question + "-a", Content: "answer to " + question, Timestamp: at.Add(time.Second)},
	} {
		if err := e.gateway.AppendTurn(ctx, e.owner, conv.ID, m); err != nil {
			t.Fatalf("AppendTurn(%d) error = %v", i, err)
		}
	}
	return conv
}

func TestPersonaRoutes(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodGet, "/api/v1/personas?category=Philosophy", false)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	var personas []model.Persona
	_ = json.Unmarshal(env.Data, &personas)
	if len(personas) != 2 {
		t.Errorf("Philosophy personas = %d, want 2", len(personas))
	}

	code, env = e.do(t, http.MethodGet, "/api/v1/personas/socrates", false)
	if code != http.StatusOK || !strings.Contains(string(env.Data), "Greetings, friend.") {
		t.Errorf("get = %d %s", code, env.Data)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/personas/nobody", false); code != http.StatusNotFound {
		t.Errorf("unknown persona status = %d, want 404", code)
	}

	code, env = e.do(t, http.MethodGet, "/api/v1/personas/categories", false)
	var cats []string
	_ = json.Unmarshal(env.Data, &cats)
	if code != http.StatusOK || len(cats) != 2 {
		t.Errorf("categories = %d %v", code, cats)
	}
}

func TestConversationRoutes_RequireAuth(t *testing.T) {
	e := newTestEnv(t, nil)
	if code, _ := e.do(t, http.MethodGet, "/api/v1/conversations", false); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestConversationRoutes(t *testing.T) {
	e := newTestEnv(t, nil)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	first := e.seed(t, "socrates", "What is virtue?", base)
	second := e.seed(t, "einstein", "Why is the sky blue?", base.Add(time.Hour))

	code, env := e.do(t, http.MethodGet, "/api/v1/conversations", true)
	var convs []model.Conversation
	_ = json.Unmarshal(env.Data, &convs)
	if code != http.StatusOK || len(convs) != 2 || convs[0].ID != second.ID {
		t.Fatalf("list = %d %+v", code, convs)
	}

	_, env = e.do(t, http.MethodGet, "/api/v1/conversations?order=oldest&limit=1", true)
	_ = json.Unmarshal(env.Data, &convs)
	if len(convs) != 1 || convs[0].ID != first.ID {
		t.Errorf("oldest page = %+v", convs)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/conversations?order=sideways", true); code != http.StatusBadRequest {
		t.Errorf("bad order status = %d, want 400", code)
	}

	_, env = e.do(t, http.MethodGet, "/api/v1/conversations/search?q=VIRTUE", true)
	_ = json.Unmarshal(env.Data, &convs)
	if len(convs) != 1 || convs[0].ID != first.ID {
		t.Errorf("search = %+v", convs)
	}

	path := "/api/v1/conversations/" + itoa(first.ID)
	_, env = e.do(t, http.MethodGet, path+"/messages", true)
	var turns []model.Message
	_ = json.Unmarshal(env.Data, &turns)
	if len(turns) != 2 || !turns[0].IsFromUser {
		t.Errorf("messages = %+v", turns)
	}

	_, env = e.do(t, http.MethodPost, path+"/bookmark", true)
	if !strings.Contains(string(env.Data), `"bookmarked":true`) {
		t.Errorf("bookmark = %s", env.Data)
	}
	_, env = e.do(t, http.MethodGet, "/api/v1/conversations?bookmarked=true", true)
	_ = json.Unmarshal(env.Data, &convs)
	if len(convs) != 1 || convs[0].ID != first.ID {
		t.Errorf("bookmarked list = %+v", convs)
	}

	req := httptest.NewRequest(http.MethodGet, path+"/export", nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Conversation with Socrates") {
		t.Errorf("export = %d %s", w.Code, w.Body.String())
	}

	if code, _ := e.do(t, http.MethodDelete, path, true); code != http.StatusOK {
		t.Errorf("delete status = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, path+"/messages", true); code != http.StatusNotFound {
		t.Errorf("messages after delete status = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/v1/conversations/abc", true); code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", code)
	}
}

type recordingUploader struct {
	err  error
	name string
	typ  string
	data string
}

func (u *recordingUploader) Upload(_ context.Context, name, contentType string, r io.Reader, _ int64) (*model.Attachment, error) {
	if u.err != nil {
		return nil, u.err
	}
	b, _ := io.ReadAll(r)
	u.name, u.typ, u.data = name, contentType, string(b)
	return &model.Attachment{URL: "https://cdn.example.com/chat/" + name, Name: name}, nil
}

func multipartImage(t *testing.T, name, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("image-bytes"))
	mw.Close()
	return &body, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, name, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartImage(t, name, contentType)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestMediaUpload(t *testing.T) {
	up := &recordingUploader{}
	e := newTestEnv(t, up)

	w := e.upload(t, "parthenon.png", "image/png")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if up.name != "parthenon.png" || up.typ != "image/png" || up.data != "image-bytes" {
		t.Errorf("uploader saw %+v", up)
	}
	if !strings.Contains(w.Body.String(), `"url":"https://cdn.example.com/chat/parthenon.png"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMediaUpload_Errors(t *testing.T) {
	tests := []struct {
		name     string
		uploader ImageUploader
		want     int
	}{
		{"not configured", nil, http.StatusServiceUnavailable},
		{"not an image", &recordingUploader{err: storage.ErrNotImage}, http.StatusUnsupportedMediaType},
		{"too large", &recordingUploader{err: storage.ErrTooLarge}, http.StatusRequestEntityTooLarge},
		{"storage down", &recordingUploader{err: errors.New("minio down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.uploader)
			if w := e.upload(t, "a.png", "image/png"); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
