package database

import (
	"time"

	"advisor-go/internal/model"
	"advisor-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接
func InitMySQL(dsn string, autoMigrate bool) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	if autoMigrate {
		if err := Migrate(DB); err != nil {
			log.Fatal("failed to migrate schema", err)
		}
	}

	log.Info("MySQL database connected successfully")
}

// Migrate 创建或更新人物目录和会话相关的表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Persona{}, &model.Conversation{}, &model.Message{})
}
