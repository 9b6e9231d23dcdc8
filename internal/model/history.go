package model

// HistoryPair 是一次已完成的问答，用来给下一次请求提供短期上下文。
type HistoryPair struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// TrimHistory 只保留最近的 n 对，先进先出。n <= 0 时返回空。
func TrimHistory(pairs []HistoryPair, n int) []HistoryPair {
	if n <= 0 {
		return nil
	}
	if len(pairs) > n {
		pairs = pairs[len(pairs)-n:]
	}
	out := make([]HistoryPair, len(pairs))
	copy(out, pairs)
	return out
}

// PairsFromMessages 从按时间排序的消息中恢复已完成的问答对：
// 一条用户消息紧跟一条人物消息才算一对。
func PairsFromMessages(msgs []Message, skip func(Message) bool) []HistoryPair {
	var pairs []HistoryPair
	for i := 0; i+1 < len(msgs); i++ {
		u, a := msgs[i], msgs[i+1]
		if !u.IsFromUser || a.IsFromUser {
			continue
		}
		if skip != nil && skip(a) {
			continue
		}
		pairs = append(pairs, HistoryPair{User: u.Content, Assistant: a.Content})
		i++
	}
	return pairs
}
