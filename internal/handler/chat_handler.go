package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"advisor-go/internal/middleware"
	"advisor-go/internal/model"
	"advisor-go/internal/service"
	"advisor-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	snapshotBuffer  = 32
	outgoingBuffer  = 8
	maxMessageBytes = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// clientFrame 是客户端发来的指令。
type clientFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ImageName string `json:"imageName,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// serverFrame 是推给客户端的消息。
type serverFrame struct {
	Type           string          `json:"type"`
	Kind           string          `json:"kind,omitempty"`
	ConversationID *uint           `json:"conversationId,omitempty"`
	Messages       []model.Message `json:"messages,omitempty"` // clear 快照里为空
	Text           string          `json:"text,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ChatHandler 负责处理 WebSocket 聊天连接，每个连接对应一个 ChatSession。
type ChatHandler struct {
	chatService service.ChatService
	catalog     service.PersonaCatalog
	gateway     service.ConversationGateway
	verifier    middleware.IdentityVerifier
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, catalog service.PersonaCatalog, gateway service.ConversationGateway, verifier middleware.IdentityVerifier) *ChatHandler {
	return &ChatHandler{chatService: chatService, catalog: catalog, gateway: gateway, verifier: verifier}
}

// Handle 处理 GET /chat/:token?persona=<id>&conversation=<id>。
func (h *ChatHandler) Handle(c *gin.Context) {
	owner, err := h.verifier.Identity(c.Param("token"))
	if err != nil {
		respondError(c, http.StatusUnauthorized, "无效的 token")
		return
	}

	persona, err := h.catalog.Get(c.Request.Context(), c.Query("persona"))
	if errors.Is(err, service.ErrPersonaNotFound) {
		respondError(c, http.StatusNotFound, "persona not found")
		return
	}
	if err != nil {
		log.Errorf("load persona: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to load persona")
		return
	}

	var convID *uint
	if v := c.Query("conversation"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			respondError(c, http.StatusBadRequest, "invalid conversation id")
			return
		}
		u := uint(id)
		convID = &u

		// 只能恢复自己和这个人物的会话；存储不可用时交给会话降级处理
		conv, err := h.gateway.GetConversation(c.Request.Context(), owner, u)
		switch {
		case err == nil && conv.CharacterID != persona.ID:
			respondError(c, http.StatusNotFound, "conversation not found")
			return
		case err != nil && service.GatewayErrorKindOf(err) != service.GatewayPersistence:
			respondGatewayError(c, err)
			return
		case err != nil:
			log.Warnf("check conversation %d: %v", u, err)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	log.Infow("WebSocket 连接已建立", "user", owner.UserID, "persona", persona.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := newChatConn(conn, h.chatService.NewSession(owner))
	cc.run(ctx, persona, convID)
}

// chatConn 把一个 websocket 连接和一个会话绑在一起。
// 只有 writeLoop 写 conn，其他 goroutine 通过 out 投递消息。
type chatConn struct {
	conn    *websocket.Conn
	session *service.ChatSession
	sub     *service.Subscription
	out     chan serverFrame
	done    chan struct{}
	sending atomic.Bool
	wg      sync.WaitGroup
}

func newChatConn(conn *websocket.Conn, session *service.ChatSession) *chatConn {
	return &chatConn{
		conn:    conn,
		session: session,
		sub:     session.Subscribe(snapshotBuffer),
		out:     make(chan serverFrame, outgoingBuffer),
		done:    make(chan struct{}),
	}
}

func (cc *chatConn) run(ctx context.Context, persona *model.Persona, convID *uint) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cc.writeLoop()
	}()

	defer func() {
		// 断开连接等同于 Clear：停止进行中的回复，已持久化的数据保留
		cc.session.Clear()
		close(cc.done)
		<-writerDone
		cc.wg.Wait()
		cc.sub.Close()
		cc.conn.Close()
	}()

	if err := cc.session.Open(ctx, persona, convID); err != nil {
		cc.emit(serverFrame{Type: "error", Message: err.Error()})
		return
	}
	cc.readLoop(ctx)
}

func (cc *chatConn) readLoop(ctx context.Context) {
	cc.conn.SetReadLimit(maxMessageBytes)
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			cc.emit(serverFrame{Type: "error", Message: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "send":
			cc.send(ctx, frame)
		case "reload":
			cc.session.Reload(ctx)
		case "export":
			cc.emit(serverFrame{Type: "export", Text: cc.session.ExportAsText()})
		case "clear":
			cc.session.Clear()
		case "streaming":
			if frame.Enabled != nil {
				cc.session.SetStreaming(*frame.Enabled)
			}
		default:
			cc.emit(serverFrame{Type: "error", Message: "unknown frame type: " + frame.Type})
		}
	}
}

// send 在后台执行 Send，读循环继续处理 clear 等指令。
func (cc *chatConn) send(ctx context.Context, frame clientFrame) {
	if cc.session.Persona() == nil {
		cc.emit(serverFrame{Type: "error", Message: "session cleared, reconnect to start a new chat"})
		return
	}
	if strings.TrimSpace(frame.Text) == "" && frame.ImageURL == "" {
		cc.emit(serverFrame{Type: "error", Message: "empty message"})
		return
	}
	if !cc.sending.CompareAndSwap(false, true) {
		cc.emit(serverFrame{Type: "error", Message: "a reply is already in progress"})
		return
	}
	var image *model.Attachment
	if frame.ImageURL != "" {
		image = &model.Attachment{URL: frame.ImageURL, Name: frame.ImageName}
	}
	cc.wg.Add(1)
	go func() {
		defer cc.wg.Done()
		defer cc.sending.Store(false)
		cc.session.Send(ctx, frame.Text, image)
	}()
}

// emit 投递一条消息，连接已经关闭时丢弃。
func (cc *chatConn) emit(f serverFrame) {
	select {
	case cc.out <- f:
	case <-cc.done:
	}
}

func (cc *chatConn) writeLoop() {
	for {
		select {
		case snap, ok := <-cc.sub.C:
			if !ok {
				return
			}
			if !cc.write(snapshotFrame(snap)) {
				return
			}
		case f := <-cc.out:
			if !cc.write(f) {
				return
			}
		case <-cc.done:
			return
		}
	}
}

func (cc *chatConn) write(f serverFrame) bool {
	_ = cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cc.conn.WriteJSON(f); err != nil {
		log.Warnf("写入 WebSocket 失败: %v", err)
		return false
	}
	return true
}

func snapshotFrame(s service.Snapshot) serverFrame {
	return serverFrame{Type: "snapshot", Kind: string(s.Kind), ConversationID: s.ConversationID, Messages: s.Messages}
}
