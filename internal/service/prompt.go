package service

import (
	"fmt"
	"strings"

	"advisor-go/internal/model"
	"advisor-go/pkg/llm"
)

// personaGuidelines 附加在每个人物的行为提示之后。
const personaGuidelines = `Guidelines:
- Stay in character as %s at all times. Speak in the first person, in your own voice.
- Keep each reply under 150 words unless the user explicitly asks for more detail.
- Do not mention events, inventions or people from after your lifetime. If asked about them, react as someone from your own era would.
- Never say that you are an AI or a language model.`

// buildSystemPrompt 组装系统提示：行为提示 + 人物的额外提示 + 固定写作要求。
func buildSystemPrompt(p *model.Persona, profile model.PersonaProfile) string {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(p.BehaviorPrompt))
	if extra := strings.TrimSpace(profile.PromptOverrides); extra != "" {
		sys.WriteString("\n\n")
		sys.WriteString(extra)
	}
	if len(p.NotableWorks) > 0 {
		sys.WriteString("\n\nYour notable works include: ")
		sys.WriteString(strings.Join(p.NotableWorks, "; "))
		sys.WriteString(".")
	}
	sys.WriteString("\n\n")
	sys.WriteString(fmt.Sprintf(personaGuidelines, p.Name))
	return sys.String()
}

// historyMessages 把滚动历史展开成 user/assistant 交替的消息。
func historyMessages(pairs []model.HistoryPair) []llm.Message {
	msgs := make([]llm.Message, 0, len(pairs)*2)
	for _, p := range pairs {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: p.User},
			llm.Message{Role: llm.RoleAssistant, Content: p.Assistant},
		)
	}
	return msgs
}

// promptText 是发给模型的用户文本；只有图片时用图片名占位。
func promptText(text string, image *model.Attachment) string {
	text = strings.TrimSpace(text)
	if text != "" || image == nil {
		return text
	}
	name := image.Name
	if name == "" {
		name = "Image"
	}
	return fmt.Sprintf("[Image: %s]", name)
}

func buildRequest(p *model.Persona, profile model.PersonaProfile, history []model.HistoryPair, prompt string) llm.Request {
	return llm.Request{
		System:  buildSystemPrompt(p, profile),
		History: historyMessages(history),
		Prompt:  prompt,
	}
}
