package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/llm"
	"advisor-go/pkg/log"

	"github.com/google/uuid"
)

// ApologyText 是补全失败时人物回复的固定文案，不会进入滚动历史。
const ApologyText = "I apologize, but I'm having trouble responding right now. Please try again in a moment."

const userDisplayName = "You"

// errAbandoned 表示会话在回复完成前被 Clear 或重新 Open。
var errAbandoned = errors.New("session abandoned")

// SnapshotKind 说明一次快照是由什么变化触发的。
type SnapshotKind string

const (
	SnapshotReset    SnapshotKind = "reset"
	SnapshotAppend   SnapshotKind = "append"
	SnapshotToken    SnapshotKind = "token"
	SnapshotComplete SnapshotKind = "complete"
	SnapshotReload   SnapshotKind = "reload"
	SnapshotClear    SnapshotKind = "clear"
)

// Snapshot 是某一时刻完整的消息列表。
type Snapshot struct {
	Kind           SnapshotKind
	ConversationID *uint
	Messages       []model.Message
}

// Subscription 接收会话的快照。消费太慢时旧快照会被丢弃，只保证能拿到最新的。
type Subscription struct {
	C       <-chan Snapshot
	ch      chan Snapshot
	session *ChatSession
}

// Close 取消订阅并关闭 C。
func (sub *Subscription) Close() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

type persistJob struct {
	op  string
	run func(ctx context.Context) error
}

// ChatSession 持有一个打开的聊天：内存中的消息列表、滚动历史和进行中的回复。
// 同一时间只处理一个 Send；持久化在后台按追加顺序执行，失败只记日志。
type ChatSession struct {
	id             string
	owner          model.Identity
	catalog        PersonaCatalog
	gateway        ConversationGateway
	llmClient      llm.Client
	history        repository.HistoryStore
	historyPairs   int
	persistTimeout time.Duration

	sending atomic.Bool

	mu             sync.Mutex
	persona        *model.Persona
	conversationID *uint
	messages       []model.Message
	rolling        []model.HistoryPair
	streaming      bool
	generation     uint64
	lastStamp      time.Time
	cancel         context.CancelFunc
	activeStream   llm.TextStream
	subs           map[*Subscription]struct{}

	qmu      sync.Mutex
	queue    []persistJob
	draining bool
	pending  sync.WaitGroup
}

// ID 返回会话 ID，未持久化时用于区分滚动历史。
func (s *ChatSession) ID() string {
	return s.id
}

// SetStreaming 切换流式和一次性回复。
func (s *ChatSession) SetStreaming(on bool) {
	s.mu.Lock()
	s.streaming = on
	s.mu.Unlock()
}

// Subscribe 注册一个快照订阅，buffer 至少为 1。
func (s *ChatSession) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	sub := &Subscription{C: ch, ch: ch, session: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Open 打开一个人物的会话。conversationID 不为空且属于当前用户和该人物时从存储恢复消息，
// 否则新建会话并追加开场白；新建失败时以未持久化模式继续。
func (s *ChatSession) Open(ctx context.Context, persona *model.Persona, conversationID *uint) error {
	if persona == nil {
		return errors.New("persona is required")
	}

	s.mu.Lock()
	s.abandonLocked()
	s.persona = persona
	s.conversationID = nil
	s.messages = nil
	s.rolling = nil
	gen := s.generation
	s.mu.Unlock()

	if conversationID != nil && s.resumable(ctx, persona, *conversationID) {
		id := *conversationID
		turns, err := s.gateway.GetTurns(ctx, s.owner, id)
		if s.absorb("load turns", err) {
			turns = nil
		}
		rolling := s.loadHistory(ctx, historyKey(s.owner.UserID, persona, &id, s.id), turns)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return nil
		}
		s.conversationID = &id
		s.messages = turns
		s.rolling = rolling
		s.advanceStampLocked(turns)
		s.publishLocked(SnapshotReset)
		return nil
	}

	var convID *uint
	conv, err := s.gateway.CreateConversation(ctx, s.owner, persona, "")
	if !s.absorb("create conversation", err) && conv != nil {
		id := conv.ID
		convID = &id
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	s.conversationID = convID
	greeting := s.newTurnLocked(false, s.catalog.Greeting(persona), nil)
	s.messages = []model.Message{greeting}
	s.publishLocked(SnapshotReset)
	s.mu.Unlock()

	s.persistTurn(convID, greeting)
	return nil
}

// resumable 确认会话属于当前用户且是同一个人物。不存在、不属于当前用户或人物不符时
// 返回 false，Open 改为新建会话；存储暂时不可用时仍按 ID 恢复。
func (s *ChatSession) resumable(ctx context.Context, persona *model.Persona, id uint) bool {
	conv, err := s.gateway.GetConversation(ctx, s.owner, id)
	if err != nil {
		s.absorb("resume conversation", err)
		return GatewayErrorKindOf(err) == GatewayPersistence
	}
	if conv.CharacterID != persona.ID {
		log.Warnw("conversation belongs to another persona", "session", s.id, "conversation", id, "persona", persona.ID)
		return false
	}
	return true
}

// Send 发送一条用户消息并返回人物的回复（成功或致歉）。
// 没有文本也没有图片、会话未打开或已有消息在发送时返回 nil，且没有任何副作用。
func (s *ChatSession) Send(ctx context.Context, text string, image *model.Attachment) *model.Message {
	if image != nil && image.URL == "" {
		image = nil
	}
	prompt := promptText(text, image)
	if prompt == "" {
		return nil
	}
	if !s.sending.CompareAndSwap(false, true) {
		return nil
	}
	defer s.sending.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.persona == nil {
		s.mu.Unlock()
		return nil
	}
	gen := s.generation
	persona := s.persona
	convID := s.conversationID
	history := model.TrimHistory(s.rolling, s.historyPairs)
	streaming := s.streaming
	s.cancel = cancel

	user := s.newTurnLocked(true, strings.TrimSpace(text), image)
	s.messages = append(s.messages, user)
	s.publishLocked(SnapshotAppend)
	s.mu.Unlock()

	s.persistTurn(convID, user)

	req := buildRequest(persona, s.catalog.Profile(persona.ID), history, prompt)
	var (
		placeholderID string
		reply         string
		err           error
	)
	if streaming {
		placeholderID, reply, err = s.streamReply(ctx, gen, req)
	} else {
		reply, err = s.llmClient.Complete(ctx, req)
		if s.abandoned(gen) {
			return nil
		}
	}
	if errors.Is(err, errAbandoned) {
		return nil
	}
	return s.finishReply(gen, placeholderID, prompt, reply, err)
}

// streamReply 先追加一个空的人物消息，再把每个累积快照写进去并通知订阅者。
func (s *ChatSession) streamReply(ctx context.Context, gen uint64, req llm.Request) (string, string, error) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return "", "", errAbandoned
	}
	placeholder := s.newTurnLocked(false, "", nil)
	s.messages = append(s.messages, placeholder)
	s.publishLocked(SnapshotAppend)
	s.mu.Unlock()

	stream, err := s.llmClient.Stream(ctx, req)
	if err != nil {
		return placeholder.ID, "", err
	}
	defer stream.Close()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return placeholder.ID, "", errAbandoned
	}
	s.activeStream = stream
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.activeStream == stream {
			s.activeStream = nil
		}
		s.mu.Unlock()
	}()

	for stream.Next() {
		text := stream.Text()
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return placeholder.ID, "", errAbandoned
		}
		s.setContentLocked(placeholder.ID, text)
		s.publishLocked(SnapshotToken)
		s.mu.Unlock()
	}

	if s.abandoned(gen) {
		return placeholder.ID, "", errAbandoned
	}
	if err := stream.Err(); err != nil {
		return placeholder.ID, "", err
	}
	return placeholder.ID, stream.Text(), nil
}

// finishReply 冻结人物回复。出错或回复为空时改为致歉文案，且不更新滚动历史。
func (s *ChatSession) finishReply(gen uint64, placeholderID, prompt, reply string, err error) *model.Message {
	// 流式和一次性回复都在这里去掉首尾空白，保证存储和滚动历史一致
	reply = strings.TrimSpace(reply)
	apology := false
	if err != nil {
		s.absorb("completion", err)
		apology = true
	} else if reply == "" {
		log.Warnw("completion returned empty text", "session", s.id)
		apology = true
	}
	body := reply
	if apology {
		body = ApologyText
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	s.cancel = nil

	var turn model.Message
	if idx := s.indexLocked(placeholderID); idx >= 0 {
		s.messages[idx].Content = body
		turn = s.messages[idx]
	} else {
		turn = s.newTurnLocked(false, body, nil)
		s.messages = append(s.messages, turn)
	}

	var rolling []model.HistoryPair
	if !apology {
		s.rolling = model.TrimHistory(append(s.rolling, model.HistoryPair{User: prompt, Assistant: reply}), s.historyPairs)
		rolling = model.TrimHistory(s.rolling, s.historyPairs)
	}
	convID := s.conversationID
	key := historyKey(s.owner.UserID, s.persona, convID, s.id)
	s.publishLocked(SnapshotComplete)
	s.mu.Unlock()

	s.persistTurn(convID, turn)
	if !apology {
		s.persistHistory(key, rolling)
	}
	return &turn
}

// Clear 丢弃内存中的会话状态并停止进行中的回复，不删除已持久化的数据。
func (s *ChatSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonLocked()
	s.persona = nil
	s.conversationID = nil
	s.messages = nil
	s.rolling = nil
	s.publishLocked(SnapshotClear)
}

func (s *ChatSession) abandoned(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

// abandonLocked 让进行中的 Send 失效并关闭底层连接。
func (s *ChatSession) abandonLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.activeStream != nil {
		_ = s.activeStream.Close()
		s.activeStream = nil
	}
}

// Reload 从存储重新读取消息，未持久化时什么都不做。读取失败时保留当前列表。
func (s *ChatSession) Reload(ctx context.Context) {
	s.mu.Lock()
	convID := s.conversationID
	gen := s.generation
	s.mu.Unlock()
	if convID == nil {
		return
	}

	turns, err := s.gateway.GetTurns(ctx, s.owner, *convID)
	if s.absorb("reload turns", err) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.messages = turns
	s.advanceStampLocked(turns)
	s.publishLocked(SnapshotReload)
}

// ExportAsText 把当前消息导出为纯文本记录。
func (s *ChatSession) ExportAsText() string {
	s.mu.Lock()
	persona := s.persona
	convID := s.conversationID
	msgs := s.copyMessagesLocked()
	s.mu.Unlock()
	return FormatTranscript(persona, convID, msgs)
}

// Messages 返回当前消息列表的副本。
func (s *ChatSession) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyMessagesLocked()
}

// History 返回滚动历史的副本。
func (s *ChatSession) History() []model.HistoryPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.TrimHistory(s.rolling, len(s.rolling))
}

// ConversationID 返回持久化后的会话 ID，未持久化时为 nil。
func (s *ChatSession) ConversationID() *uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == nil {
		return nil
	}
	id := *s.conversationID
	return &id
}

// Persona 返回当前人物，未打开时为 nil。
func (s *ChatSession) Persona() *model.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Flush 等待已排队的持久化操作全部执行完。
func (s *ChatSession) Flush() {
	s.pending.Wait()
}

// newTurnLocked 生成一条消息，时间戳在会话内严格递增（至少相差 1ms），
// 这样按时间读回的顺序就是追加的顺序。
func (s *ChatSession) newTurnLocked(fromUser bool, content string, image *model.Attachment) model.Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = now

	m := model.Message{
		ID:         uuid.NewString(),
		Content:    content,
		IsFromUser: fromUser,
		Timestamp:  now,
	}
	if s.conversationID != nil {
		id := *s.conversationID
		m.ConversationID = &id
	}
	if fromUser {
		m.SenderID = s.owner.UserID
		m.SenderName = s.owner.DisplayName
		if m.SenderName == "" {
			m.SenderName = userDisplayName
		}
	} else if s.persona != nil {
		m.SenderID = s.persona.ID
		m.SenderName = s.persona.Name
	}
	m.Attach(image)
	return m
}

func (s *ChatSession) advanceStampLocked(turns []model.Message) {
	for _, t := range turns {
		if t.Timestamp.After(s.lastStamp) {
			s.lastStamp = t.Timestamp
		}
	}
}

func (s *ChatSession) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ChatSession) setContentLocked(id, content string) {
	if idx := s.indexLocked(id); idx >= 0 {
		s.messages[idx].Content = content
	}
}

func (s *ChatSession) copyMessagesLocked() []model.Message {
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// publishLocked 向所有订阅者推送快照，不会阻塞：缓冲区满时丢掉最旧的一个。
func (s *ChatSession) publishLocked(kind SnapshotKind) {
	if len(s.subs) == 0 {
		return
	}
	snap := Snapshot{Kind: kind, Messages: s.copyMessagesLocked()}
	if s.conversationID != nil {
		id := *s.conversationID
		snap.ConversationID = &id
	}
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

func (s *ChatSession) loadHistory(ctx context.Context, key string, turns []model.Message) []model.HistoryPair {
	pairs, err := s.history.Get(ctx, key)
	if !s.absorb("load history", err) && len(pairs) > 0 {
		return model.TrimHistory(pairs, s.historyPairs)
	}
	pairs = model.TrimHistory(model.PairsFromMessages(turns, isApology), s.historyPairs)
	if len(pairs) > 0 {
		s.persistHistory(key, pairs)
	}
	return pairs
}

func (s *ChatSession) persistTurn(convID *uint, turn model.Message) {
	if convID == nil {
		return
	}
	id := *convID
	s.enqueue("append turn", func(ctx context.Context) error {
		return s.gateway.AppendTurn(ctx, s.owner, id, turn)
	})
}

func (s *ChatSession) persistHistory(key string, pairs []model.HistoryPair) {
	s.enqueue("save history", func(ctx context.Context) error {
		return s.history.Put(ctx, key, pairs)
	})
}

// enqueue 把持久化操作放进会话的 FIFO 队列，由单个后台 goroutine 依次执行。
func (s *ChatSession) enqueue(op string, run func(ctx context.Context) error) {
	s.pending.Add(1)
	s.qmu.Lock()
	s.queue = append(s.queue, persistJob{op: op, run: run})
	start := !s.draining
	s.draining = true
	s.qmu.Unlock()
	if start {
		go s.drain()
	}
}

func (s *ChatSession) drain() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.qmu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		// 使用后台上下文：即使请求已经结束，也希望已生成的内容能保存下来
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		s.absorb(job.op, job.run(ctx))
		cancel()
		s.pending.Done()
	}
}

// absorb 是会话唯一的错误吞咽点：记录日志并返回是否出错，从不向上抛出。
func (s *ChatSession) absorb(op string, err error) bool {
	if err == nil {
		return false
	}
	if kind := GatewayErrorKindOf(err); kind != "" {
		if kind == GatewayAuthRequired {
			log.Warnw("persistence skipped without identity", "op", op, "session", s.id)
		} else {
			log.Errorw("persistence failed", "op", op, "session", s.id, "kind", kind, "error", err)
		}
		return true
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		log.Warnw("completion failed", "op", op, "session", s.id, "kind", llmErr.Kind, "status", llmErr.StatusCode, "error", err)
		return true
	}
	log.Errorw("session operation failed", "op", op, "session", s.id, "error", err)
	return true
}

func isApology(m model.Message) bool {
	return m.Content == ApologyText
}

// historyKey 已持久化的会话按用户 + 会话 ID，否则按人物 + 会话 ID，避免不同会话互相覆盖。
func historyKey(ownerID string, persona *model.Persona, convID *uint, sessionID string) string {
	if convID != nil {
		return ownerID + ":" + strconv.FormatUint(uint64(*convID), 10)
	}
	personaID := ""
	if persona != nil {
		personaID = persona.ID
	}
	return fmt.Sprintf("persona:%s:session:%s", personaID, sessionID)
}
