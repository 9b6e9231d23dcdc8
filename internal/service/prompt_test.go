package service

import (
	"strings"
	"testing"

	"advisor-go/internal/model"
	"advisor-go/pkg/llm"
)

func TestBuildSystemPrompt(t *testing.T) {
	p := &model.Persona{
		ID:             "einstein",
		Name:           "Albert Einstein",
		BehaviorPrompt: "You are Albert Einstein.",
		NotableWorks:   []string{"Relativity", "The World As I See It"},
	}
	got := buildSystemPrompt(p, model.PersonaProfile{PromptOverrides: "Mention thought experiments."})

	for _, want := range []string{
		"You are Albert Einstein.",
		"Mention thought experiments.",
		"Relativity; The World As I See It",
		"Stay in character as Albert Einstein",
		"after your lifetime",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasPrefix(got, "You are Albert Einstein.") {
		t.Errorf("behavior prompt should come first:\n%s", got)
	}
}

func TestBuildRequest(t *testing.T) {
	p := &model.Persona{ID: "socrates", Name: "Socrates", BehaviorPrompt: "You are Socrates."}
	history := []model.HistoryPair{{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"}}
	req := buildRequest(p, model.PersonaProfile{}, history, "q3")

	msgs := req.Messages()
	wantRoles := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("messages[%d].Role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[1].Content != "q1" || msgs[4].Content != "a2" || msgs[5].Content != "q3" {
		t.Errorf("unexpected contents: %+v", msgs)
	}
}

func TestPromptText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		image *model.Attachment
		want  string
	}{
		{"text", "  hello ", nil, "hello"},
		{"empty", "", nil, ""},
		{"image only", "", &model.Attachment{URL: "u", Name: "bust.jpg"}, "[Image: bust.jpg]"},
		{"unnamed image", "", &model.Attachment{URL: "u"}, "[Image: Image]"},
		{"text and image", "look", &model.Attachment{URL: "u", Name: "bust.jpg"}, "look"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := promptText(tt.text, tt.image); got != tt.want {
				t.Errorf("promptText() = %q, want %q", got, tt.want)
			}
		})
	}
}
