package service

import (
	"fmt"
	"strings"

	"advisor-go/internal/model"
)

const transcriptTimeLayout = "2006-01-02 15:04:05"

// FormatTranscript 把消息列表写成可读的纯文本记录：先是摘要头，然后每条消息
// 一段（发送者、时间、正文）。不访问网络和存储。
func FormatTranscript(persona *model.Persona, conversationID *uint, msgs []model.Message) string {
	var b strings.Builder

	name := "Unknown"
	if persona != nil {
		name = persona.Name
	}
	fmt.Fprintf(&b, "Conversation with %s\n", name)
	if conversationID != nil {
		fmt.Fprintf(&b, "Conversation ID: %d\n", *conversationID)
	} else {
		b.WriteString("Conversation ID: (not saved)\n")
	}
	fmt.Fprintf(&b, "Messages: %d\n", len(msgs))
	if len(msgs) > 0 {
		fmt.Fprintf(&b, "Period: %s - %s\n",
			msgs[0].Timestamp.Format(transcriptTimeLayout),
			msgs[len(msgs)-1].Timestamp.Format(transcriptTimeLayout))
	}
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n")

	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			if m.IsFromUser {
				sender = userDisplayName
			} else {
				sender = name
			}
		}
		fmt.Fprintf(&b, "\n[%s] %s:\n", m.Timestamp.Format(transcriptTimeLayout), sender)
		if m.HasImage {
			url := ""
			if m.ImageURL != nil {
				url = *m.ImageURL
			}
			fmt.Fprintf(&b, "[Image: %s] %s\n", m.ImageLabel(), url)
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
