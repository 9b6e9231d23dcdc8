package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TextStream is a lazy sequence of cumulative text snapshots.
//
//	for s.Next() {
//		render(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//
// It is not resumable; call Client.Stream again to restart.
type TextStream interface {
	// Next 前进到下一个带内容的分块，流结束或出错时返回 false。
	Next() bool
	// Text 返回到目前为止累积的文本。
	Text() string
	// Err 返回导致流提前结束的错误；正常遇到 [DONE] 时为 nil。
	Err() error
	// Close 关闭底层连接，可重复调用。
	Close() error
}

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	maxEventBytes = 1 << 20
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	// idle 之内没有读到任何一行就取消请求
	idle     time.Duration
	timer    *time.Timer
	timedOut atomic.Bool

	text      strings.Builder
	received  bool
	malformed int
	done      bool
	err       error

	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser, cancel context.CancelFunc, idle time.Duration) *eventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	s := &eventStream{body: body, scanner: scanner, cancel: cancel, idle: idle}
	if idle > 0 && cancel != nil {
		s.timer = time.AfterFunc(idle, func() {
			s.timedOut.Store(true)
			cancel()
		})
	}
	return s
}

func (s *eventStream) touch() {
	if s.timer != nil && !s.timedOut.Load() {
		s.timer.Reset(s.idle)
	}
}

func (s *eventStream) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *eventStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		s.touch()
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			// 空行、注释行（": keep-alive"）和 event: 行都忽略
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneSentinel {
			s.finish()
			return false
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.malformed++
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.text.WriteString(chunk.Choices[0].Delta.Content)
		s.received = true
		return true
	}

	s.stopTimer()
	if s.timedOut.Load() {
		s.err = &Error{Kind: KindNetwork, Err: fmt.Errorf("no data from stream for %s: %w", s.idle, context.DeadlineExceeded)}
	} else if err := s.scanner.Err(); err != nil {
		s.err = &Error{Kind: KindNetwork, Err: fmt.Errorf("failed to read from stream: %w", err)}
	} else {
		s.err = &Error{Kind: KindNetwork, Err: fmt.Errorf("stream closed before %s: %w", doneSentinel, io.ErrUnexpectedEOF)}
	}
	return false
}

// finish 处理 [DONE]：只有坏分块、没有任何内容时视为上游格式错误。
func (s *eventStream) finish() {
	s.stopTimer()
	s.done = true
	if !s.received && s.malformed > 0 {
		s.err = &Error{Kind: KindMalformed, Err: errors.New("stream contained only unparseable events")}
	}
}

func (s *eventStream) Text() string {
	return s.text.String()
}

func (s *eventStream) Err() error {
	return s.err
}

func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopTimer()
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
