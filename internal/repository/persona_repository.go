package repository

import (
	"context"

	"advisor-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PersonaRepository 定义了人物目录的数据操作方法。
type PersonaRepository interface {
	FindByID(ctx context.Context, id string) (*model.Persona, error)
	FindAll(ctx context.Context, category string) ([]model.Persona, error)
	Categories(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, personas []model.Persona) error
}

type personaRepository struct {
	db *gorm.DB
}

// NewPersonaRepository 创建一个新的 PersonaRepository 实例。
func NewPersonaRepository(db *gorm.DB) PersonaRepository {
	return &personaRepository{db: db}
}

// FindByID 根据 ID 查找人物。
func (r *personaRepository) FindByID(ctx context.Context, id string) (*model.Persona, error) {
	var p model.Persona
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindAll 列出人物，category 为空时返回全部。
func (r *personaRepository) FindAll(ctx context.Context, category string) ([]model.Persona, error) {
	var personas []model.Persona
	q := r.db.WithContext(ctx)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	err := q.Order("category ASC").Order("name ASC").Find(&personas).Error
	return personas, err
}

// Categories 返回去重后的分类列表。
func (r *personaRepository) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	err := r.db.WithContext(ctx).Model(&model.Persona{}).
		Distinct("category").Order("category ASC").
		Pluck("category", &categories).Error
	return categories, err
}

// Upsert 按 ID 插入或覆盖人物记录，用于启动时导入种子文件。
func (r *personaRepository) Upsert(ctx context.Context, personas []model.Persona) error {
	if len(personas) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&personas).Error
}
