package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/config"
	"github.com/d60-Lab/community-realtime/internal/api"
	"github.com/d60-Lab/community-realtime/internal/api/handler"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/presence"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/service"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/internal/usercache"
	"github.com/d60-Lab/community-realtime/pkg/database"
	"github.com/d60-Lab/community-realtime/pkg/logger"
	"github.com/d60-Lab/community-realtime/pkg/redisx"
	"github.com/d60-Lab/community-realtime/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg)
	if err != nil {
		logger.Error("tracing init failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Error("database init failed", zap.Error(err))
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		logger.Error("migrate failed", zap.Error(err))
		os.Exit(1)
	}

	rdb, err := redisx.New(cfg)
	if err != nil {
		logger.Error("redis init failed", zap.Error(err))
		os.Exit(1)
	}
	defer rdb.Close()

	sc := stream.NewClient(rdb, stream.Options{
		ReconnectBase:    cfg.Realtime.ReconnectBase,
		ReconnectMax:     cfg.Realtime.ReconnectMax,
		ReconnectRetries: cfg.Realtime.ReconnectRetries,
	})
	defer sc.Close()

	// 通道级故障（重连耗尽）上抛为实时不可用告警
	go func() {
		for err := range sc.Errors() {
			logger.Error("realtime channel unavailable", zap.Error(err))
			sentry.CaptureException(err)
		}
	}()

	online := presence.NewRegistry(rdb, cfg.Realtime.HeartbeatInterval, cfg.Realtime.FreshnessWindow)
	defer online.Close()

	coord := optimistic.NewCoordinator(optimistic.NewRegistry(), cfg.Realtime.WriteDeadline)

	posts := repository.NewPostRepository(db)
	likes := repository.NewLikeRepository(db)
	comments := repository.NewCommentRepository(db)
	users := usercache.New(repository.NewUserRepository(db), rdb, time.Minute)
	convs := repository.NewConversationRepository(db)
	messages := repository.NewMessageRepository(db)
	reacts := repository.NewReactionRepository(db)

	community := service.NewCommunityService(posts, likes, comments, users, sc, coord, cfg.Realtime.FeedPageSize)
	chat := service.NewChatService(convs, messages, reacts, posts, users, sc, coord, online)

	r := api.NewRouter(cfg, handler.New(community, chat))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
