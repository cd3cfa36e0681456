package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/config"
	"github.com/zhouzirui/z-tavern/chat/internal/handler"
	"github.com/zhouzirui/z-tavern/chat/internal/logging"
	"github.com/zhouzirui/z-tavern/chat/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chat/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	// Live session storage
	var sessions chat.SessionStore
	if cfg.Storage.UseRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer rdb.Close()

		redisStore := chat.NewRedisStore(rdb, cfg.Storage.SessionTTL)
		if err := redisStore.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Storage.RedisAddr).Msg("redis unavailable")
		}
		sessions = redisStore
		log.Info().Str("addr", cfg.Storage.RedisAddr).Msg("using redis session store")
	} else {
		sessions = chat.NewMemoryStore(cfg.Storage.SessionTTL)
		log.Info().Msg("REDIS_ADDR 未配置，使用内存会话存储")
	}

	// Ended session records
	var records chat.RecordStore
	if cfg.Storage.SQLitePath != "" {
		sqliteRecords, err := chat.NewSQLiteRecords(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Storage.SQLitePath).Msg("failed to open session records")
		}
		defer sqliteRecords.Close()
		records = sqliteRecords
	} else {
		records = chat.NewMemoryRecords()
	}

	// Initialize AI service
	var responder ai.Responder = ai.Scripted{}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, continuing with scripted replies - 请检查 Ark 模型相关环境变量")
		} else {
			responder = aiService
			log.Info().Msg("AI service initialized successfully")
		}
	} else {
		log.Info().Msg("Ark 凭证未配置，使用脚本化回复")
	}

	chatService := chat.NewService(sessions, records, responder)
	router := handler.NewRouter(chatService, cfg.Server)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Str("prefix", serverCfg.APIPrefix).Msg("chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
