package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/pkg/log"

	"gopkg.in/yaml.v3"
)

// ErrPersonaNotFound 表示目录中没有这个人物。
var ErrPersonaNotFound = errors.New("persona not found")

// genericGreeting 用于没有专属开场白的人物。
const genericGreeting = "Greetings! I am %s. It is an honor to make your acquaintance. What would you like to discuss?"

// PersonaCatalog 提供只读的人物目录和每个人物的会话文案。
type PersonaCatalog interface {
	Get(ctx context.Context, id string) (*model.Persona, error)
	List(ctx context.Context, category string) ([]model.Persona, error)
	Categories(ctx context.Context) ([]string, error)
	Profile(id string) model.PersonaProfile
	Greeting(p *model.Persona) string
}

type personaCatalog struct {
	repo     repository.PersonaRepository
	profiles map[string]model.PersonaProfile
}

// NewPersonaCatalog 创建人物目录。profiles 以人物 ID 为键，可以为 nil。
func NewPersonaCatalog(repo repository.PersonaRepository, profiles map[string]model.PersonaProfile) PersonaCatalog {
	if profiles == nil {
		profiles = map[string]model.PersonaProfile{}
	}
	return &personaCatalog{repo: repo, profiles: profiles}
}

func (c *personaCatalog) Get(ctx context.Context, id string) (*model.Persona, error) {
	p, err := c.repo.FindByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrPersonaNotFound
		}
		return nil, fmt.Errorf("failed to load persona %s: %w", id, err)
	}
	return p, nil
}

func (c *personaCatalog) List(ctx context.Context, category string) ([]model.Persona, error) {
	return c.repo.FindAll(ctx, category)
}

func (c *personaCatalog) Categories(ctx context.Context) ([]string, error) {
	return c.repo.Categories(ctx)
}

// Profile 返回人物的会话文案，没有配置时返回零值。
func (c *personaCatalog) Profile(id string) model.PersonaProfile {
	return c.profiles[id]
}

// Greeting 按人物 ID 查表，查不到时使用通用模板。
func (c *personaCatalog) Greeting(p *model.Persona) string {
	if g := c.profiles[p.ID].Greeting; g != "" {
		return g
	}
	return fmt.Sprintf(genericGreeting, p.Name)
}

// personaSeed 是种子文件中的一条人物记录。
type personaSeed struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Description     string   `yaml:"description"`
	BehaviorPrompt  string   `yaml:"behavior_prompt"`
	PortraitURL     string   `yaml:"portrait_url"`
	NotableWorks    []string `yaml:"notable_works"`
	Greeting        string   `yaml:"greeting"`
	PromptOverrides string   `yaml:"prompt_overrides"`
}

type seedFile struct {
	Personas []personaSeed `yaml:"personas"`
}

// ParsePersonaSeed 解析 YAML 种子数据，返回人物记录和文案表。
func ParsePersonaSeed(data []byte) ([]model.Persona, map[string]model.PersonaProfile, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse persona seed: %w", err)
	}
	personas := make([]model.Persona, 0, len(f.Personas))
	profiles := make(map[string]model.PersonaProfile, len(f.Personas))
	for i, s := range f.Personas {
		if s.ID == "" || s.Name == "" {
			return nil, nil, fmt.Errorf("persona seed entry %d: id and name are required", i)
		}
		p := model.Persona{
			ID:             s.ID,
			Name:           s.Name,
			Category:       s.Category,
			Description:    s.Description,
			BehaviorPrompt: s.BehaviorPrompt,
			NotableWorks:   s.NotableWorks,
		}
		if p.BehaviorPrompt == "" {
			p.BehaviorPrompt = fmt.Sprintf("You are %s.", s.Name)
		}
		if s.PortraitURL != "" {
			url := s.PortraitURL
			p.PortraitURL = &url
		}
		personas = append(personas, p)
		if s.Greeting != "" || s.PromptOverrides != "" {
			profiles[s.ID] = model.PersonaProfile{Greeting: s.Greeting, PromptOverrides: s.PromptOverrides}
		}
	}
	return personas, profiles, nil
}

// LoadPersonaSeed 读取种子文件并写入人物表，返回文案表。
func LoadPersonaSeed(ctx context.Context, path string, repo repository.PersonaRepository) (map[string]model.PersonaProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona seed %s: %w", path, err)
	}
	personas, profiles, err := ParsePersonaSeed(data)
	if err != nil {
		return nil, err
	}
	if err := repo.Upsert(ctx, personas); err != nil {
		return nil, fmt.Errorf("failed to upsert personas: %w", err)
	}
	log.Infof("Loaded %d personas from %s", len(personas), path)
	return profiles, nil
}
