// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"advisor-go/internal/config"
	"advisor-go/internal/handler"
	"advisor-go/internal/pipeline"
	"advisor-go/internal/repository"
	"advisor-go/internal/service"
	"advisor-go/pkg/database"
	"advisor-go/pkg/es"
	"advisor-go/pkg/kafka"
	"advisor-go/pkg/llm"
	"advisor-go/pkg/log"
	"advisor-go/pkg/storage"
	"advisor-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN, cfg.Database.MySQL.AutoMigrate)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化 Repository
	personaRepo := repository.NewPersonaRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.RDB, cfg.Session.HistoryTTL)

	// 5. 导入人物目录
	profiles, err := service.LoadPersonaSeed(context.Background(), cfg.Personas.SeedFile, personaRepo)
	if err != nil {
		log.Fatalf("导入人物目录失败: %v", err)
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// 6. 搜索索引：ES 可选，Kafka 可选；没有 Kafka 时同步写索引
	var searcher service.ConversationSearcher
	var publisher service.IndexPublisher
	if cfg.Elasticsearch.Enabled {
		index, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("es 初始化失败，搜索退回 SQL: %v", err)
		} else {
			searcher = index
			processor := pipeline.NewProcessor(conversationRepo, index)
			if cfg.Kafka.Enabled {
				producer := kafka.InitProducer(cfg.Kafka)
				defer producer.Close()
				publisher = producer
				go kafka.StartConsumer(bgCtx, cfg.Kafka, processor, database.RDB)
			} else {
				publisher = processor
			}
		}
	}

	// 7. 媒体存储
	var uploader handler.ImageUploader
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.InitMinIO(cfg.MinIO)
		if err != nil {
			log.Errorf("MinIO 初始化失败，图片上传不可用: %v", err)
		} else {
			uploader = store
		}
	}

	// 8. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	llmClient := llm.NewClient(cfg.LLM)
	catalog := service.NewPersonaCatalog(personaRepo, profiles)
	gateway := service.NewConversationGateway(conversationRepo, searcher, publisher)
	chatService := service.NewChatService(catalog, gateway, llmClient, historyRepo, cfg.Session)

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Dependencies{
		Catalog:  catalog,
		Gateway:  gateway,
		Chat:     chatService,
		Verifier: jwtManager,
		Uploader: uploader,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
