// Package main runs the broadcast session coordination server: HTTP API,
// WebSocket realtime layer, in-process SFU, and the moderation pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orbitlive/backend/config"
	"github.com/orbitlive/backend/internal/auth"
	"github.com/orbitlive/backend/internal/bans"
	"github.com/orbitlive/backend/internal/changefeed"
	"github.com/orbitlive/backend/internal/clientsync"
	"github.com/orbitlive/backend/internal/media"
	"github.com/orbitlive/backend/internal/middleware"
	"github.com/orbitlive/backend/internal/moderation"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/internal/notify"
	"github.com/orbitlive/backend/internal/participants"
	"github.com/orbitlive/backend/internal/realtime"
	"github.com/orbitlive/backend/internal/reports"
	"github.com/orbitlive/backend/internal/sessions"
	"github.com/orbitlive/backend/internal/worker"
	"github.com/orbitlive/backend/pkg/database"
	"github.com/orbitlive/backend/pkg/queue"
	"github.com/orbitlive/backend/pkg/redis"
	"github.com/orbitlive/backend/pkg/response"
	"github.com/orbitlive/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			EvidenceBucket:       cfg.AWS.EvidenceBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	sfu := media.NewSFU(logger, iceServers)

	// Changefeed: repositories publish row events; the syncer consumes them.
	feed := changefeed.NewPublisher(rdb.Client, logger)
	feedSub := changefeed.NewSubscriber(rdb.Client, logger)

	// Repositories
	authRepo := auth.NewRepository(pool)
	sessionRepo := sessions.NewRepository(pool, feed)
	participantRepo := participants.NewRepository(pool, feed)
	reportRepo := reports.NewRepository(pool, feed)
	banRepo := bans.NewRepository(pool, feed)

	policyEngine := bans.NewPolicyEngine(banRepo)

	// Lifecycle tracker: grace window for host disconnects, terminal hook
	// closes participant rows, the media room, and the audience sockets.
	tracker := sessions.NewTracker(sessionRepo, time.Duration(cfg.Moderation.GraceWindowSeconds)*time.Second, logger)
	tracker.SetTerminalHook(func(ctx context.Context, s *models.Session) {
		if _, err := participantRepo.DeactivateAllForSession(ctx, s.ID, "session_"+string(s.Status), time.Now()); err != nil {
			logger.Warn("close participants failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
		sfu.CloseRoom(s.RoomReference)
		hub.BroadcastToSessionAndPublish(s.ID, "session_"+string(s.Status), s)
		hub.CloseSession(s.ID)
	})

	// Host connection state from the SFU feeds the grace-window detector.
	resolveSession := func(roomRef string) *models.Session {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := sessionRepo.GetByRoomRef(ctx, roomRef)
		if err != nil || s == nil {
			return nil
		}
		return s
	}
	sfu.SetHostConnectionHandlers(
		func(roomRef string) {
			if s := resolveSession(roomRef); s != nil {
				tracker.HostDisconnected(s.ID)
			}
		},
		func(roomRef string) {
			if s := resolveSession(roomRef); s != nil {
				tracker.HostReconnected(s.ID)
			}
		},
	)

	// Connected-audience churn drives the monotonic peak.
	hub.SetAudienceChangeHandler(func(sessionID uuid.UUID, count int) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracker.ActiveCountChanged(ctx, sessionID, count)
	})

	// Moderation pipeline
	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifier := notify.New(jobQueue, logger)
	coordinator := moderation.NewCoordinator(
		participantRepo, sessionRepo, reportRepo, banRepo,
		sfu, notifier, jobQueue,
		moderation.Config{
			DropRetryAttempts: cfg.Moderation.DropRetryAttempts,
			DropRetryBackoff:  time.Duration(cfg.Moderation.DropRetryBackoffMS) * time.Millisecond,
		},
		logger,
	)
	coordinator.SetRealtime(hub)

	// Client sync: cached views invalidated from the changefeed, refresh
	// hints pushed to connected clients per invalidated session view.
	viewCache := clientsync.NewViewCache()
	syncer := clientsync.NewSyncer(viewCache, feedSub,
		time.Duration(cfg.Moderation.CoalesceWindowMS)*time.Millisecond,
		func(keys []string) {
			for _, key := range keys {
				if id, ok := sessionIDFromKey(key); ok {
					hub.BroadcastToSession(id, "refresh", map[string]string{"view": key})
				}
			}
		},
		logger)

	// Handlers
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	sessionHandler := sessions.NewHandler(sessionRepo, tracker, participantRepo, policyEngine, logger)
	reportHandler := reports.NewHandler(reportRepo, participantRepo, s3Client, logger)
	banHandler := bans.NewHandler(banRepo, policyEngine, logger)
	moderationHandler := moderation.NewHandler(coordinator)

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Role, nil
	}

	// WebSocket admission: restricted users and non-members are rejected
	// before any connection state exists.
	joinGate := func(ctx context.Context, sessionID, userID uuid.UUID) (*realtime.JoinGrant, error) {
		s, err := sessionRepo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, errors.New("session lookup failed")
		}
		if s == nil {
			return nil, errors.New("session not found")
		}
		if s.Status.Terminal() {
			return nil, errors.New("session already " + string(s.Status))
		}
		restriction, err := policyEngine.IsRestricted(ctx, userID, s.ID, s.CreatorID, time.Now())
		if err != nil {
			return nil, errors.New("restriction check failed")
		}
		if restriction.Restricted {
			return nil, errors.New("user is banned")
		}
		p, err := participantRepo.GetActive(ctx, s.ID, userID)
		if err != nil || p == nil {
			return nil, errors.New("join the session first")
		}
		return &realtime.JoinGrant{
			RoomRef:        s.RoomReference,
			ParticipantRef: p.RoomParticipantReference,
			Role:           string(p.Role),
			Host:           p.Role == models.RoleHost || p.Role == models.RoleCoHost,
		}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/users", middleware.RequireRole("admin", "moderator"), authHandler.List)

		// Sessions
		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions", middleware.RequireRole("admin", "creator"), sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.POST("/sessions/:id/start", sessionHandler.Start)
		api.POST("/sessions/:id/end", sessionHandler.End)
		api.POST("/sessions/:id/join", sessionHandler.Join)
		api.POST("/sessions/:id/leave", sessionHandler.Leave)
		api.GET("/sessions/:id/participants", sessionHandler.Participants)

		// Reports
		api.POST("/reports", reportHandler.Create)
		api.GET("/reports", middleware.RequireRole("admin", "moderator"), reportHandler.List)
		api.GET("/reports/:id", middleware.RequireRole("admin", "moderator"), reportHandler.GetByID)
		api.POST("/reports/:id/evidence", reportHandler.EvidenceUploadURL)
		api.POST("/reports/:id/evidence/file", reportHandler.EvidenceUpload)
		api.GET("/reports/:id/evidence/:filename", middleware.RequireRole("admin", "moderator"), reportHandler.EvidenceDownloadURL)
		api.DELETE("/reports/:id/evidence/:filename", middleware.RequireRole("admin", "moderator"), reportHandler.EvidenceDelete)

		// Bans
		api.GET("/bans", middleware.RequireRole("admin", "moderator"), banHandler.List)
		api.GET("/bans/:id", middleware.RequireRole("admin", "moderator"), banHandler.GetByID)
		api.GET("/users/:id/restriction", middleware.RequireRole("admin", "moderator"), banHandler.Restriction)

		// Moderation verbs
		mod := api.Group("/moderation", middleware.RequireRole("admin", "moderator"))
		{
			mod.POST("/reports/:id/dismiss", moderationHandler.Dismiss)
			mod.POST("/reports/:id/warn", moderationHandler.Warn)
			mod.POST("/kick", moderationHandler.Kick)
			mod.POST("/ban", moderationHandler.Ban)
			mod.POST("/bans/:id/lift", moderationHandler.LiftBan)
		}
	}

	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, joinGate, sfu))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: changefeed syncer, plus a drop-retry drainer. Drop
	// jobs must run here because the SFU holding the connections is
	// in-process; the worker binary handles notification jobs.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go syncer.Run(bgCtx)
	dropProcessor := worker.NewProcessor(sfu, redisPubSub, jobQueue, logger, queue.QueueDrops)
	go dropProcessor.Run(bgCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// sessionIDFromKey extracts the session UUID from "session:<id>[...]" view keys.
func sessionIDFromKey(key string) (uuid.UUID, bool) {
	const prefix = "session:"
	if len(key) < len(prefix)+36 || key[:len(prefix)] != prefix {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(key[len(prefix) : len(prefix)+36])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
