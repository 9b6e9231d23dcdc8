package model

import "gorm.io/datatypes"

// Persona 是一个可对话的历史人物档案，会话期间只读。
type Persona struct {
	ID             string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name           string                      `gorm:"type:varchar(128);not null" json:"name"`
	Category       string                      `gorm:"type:varchar(64);index" json:"category"`
	Description    string                      `gorm:"type:text" json:"description"`
	BehaviorPrompt string                      `gorm:"type:text;not null" json:"-"`
	PortraitURL    *string                     `gorm:"type:varchar(512)" json:"portraitUrl,omitempty"`
	NotableWorks   datatypes.JSONSlice[string] `json:"notableWorks,omitempty"`
}

func (Persona) TableName() string {
	return "personas"
}

// PersonaProfile 存放不属于目录数据的会话文案：开场白和额外的提示词。
type PersonaProfile struct {
	Greeting        string `yaml:"greeting" json:"greeting"`
	PromptOverrides string `yaml:"prompt_overrides" json:"promptOverrides"`
}
