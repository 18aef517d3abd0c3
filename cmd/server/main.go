package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/config"
	"github.com/tahcohcat/dengue-tracker/internal/api"
	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/auth"
	"github.com/tahcohcat/dengue-tracker/internal/database"
	"github.com/tahcohcat/dengue-tracker/internal/database/mongo"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/ratelimit"
	"github.com/tahcohcat/dengue-tracker/internal/rooms"
	"github.com/tahcohcat/dengue-tracker/internal/services"
	"github.com/tahcohcat/dengue-tracker/internal/store"
	"github.com/tahcohcat/dengue-tracker/internal/store/memory"
	"github.com/tahcohcat/dengue-tracker/internal/websocket"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return database.NewDB(cfg.SQLitePath)
	case "mongo":
		return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	return nil, errors.New("unknown store driver: " + cfg.Driver)
}

// revocations picks Redis when enabled, otherwise an in-process set swept
// until ctx is done.
func revocations(ctx context.Context, cfg *config.Config, log *zap.Logger) (auth.RevocationStore, func()) {
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		log.Info("Token revocations stored in redis", zap.String("addr", cfg.Redis.Addr))
		return auth.NewRedisRevocations(client), func() { client.Close() }
	}

	mem := auth.NewMemoryRevocations()
	go mem.Run(ctx, cfg.Auth.SweepInterval, func(removed int) {
		log.Debug("Swept expired revocations", zap.Int("removed", removed))
	})
	return mem, func() {}
}

// seedAdmin creates the bootstrap superadmin once.
func seedAdmin(ctx context.Context, users store.Users, cfg config.AuthConfig, log *zap.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	_, err := users.GetUserByEmail(ctx, cfg.AdminEmail)
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.NotFound {
		return err
	}

	now := time.Now()
	admin := &models.User{
		ID:           "admin",
		Name:         "Administrador",
		Email:        cfg.AdminEmail,
		Role:         models.RoleSuperAdmin,
		Achievements: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := admin.SetPassword(cfg.AdminPassword); err != nil {
		return err
	}
	if err := users.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Info("Created bootstrap superadmin", zap.String("email", cfg.AdminEmail))
	return nil
}

func main() {
	cfg, err := config.Load(os.Getenv("DENGUE_CONFIG_DIR"))
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := logger.Init(logger.LogLevel(cfg.Log.Level), cfg.Log.Format); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("driver", cfg.Store.Driver))

	if err := seedAdmin(ctx, st, cfg.Auth, log); err != nil {
		log.Fatal("Failed to seed admin", zap.Error(err))
	}

	revoked, closeRevocations := revocations(ctx, cfg, log)
	defer closeRevocations()
	validator := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, revoked)
	sessionStore := auth.NewCookieStore(cfg.Auth.SessionSecret, cfg.Auth.TokenTTL)
	logins := ratelimit.NewRegistry(cfg.RateLimit.LoginCapacity, cfg.RateLimit.LoginRefill)
	authHandler := auth.NewHandler(st, validator, sessionStore, logins, cfg.Auth.TokenTTL)

	hub := websocket.NewHub(rooms.Router{AreaPrecision: cfg.Realtime.AreaPrecision}, cfg.Realtime.DropBudget)
	go hub.Run(ctx)

	ledger := services.NewLedger(st)
	achievementService := services.NewAchievementService(st, ledger, services.Catalogue)
	reportService := services.NewReportService(st, st, ledger, achievementService, hub)
	userService := services.NewUserService(st, ledger, achievementService, hub,
		cfg.Gamification.DailyReward, cfg.Gamification.DailyInterval)

	identities := ratelimit.NewRegistry(cfg.RateLimit.IdentityCapacity, cfg.RateLimit.IdentityRefill)
	wsHandler := websocket.NewHandler(hub, authHandler, reportService, identities, websocket.Options{
		SendBuffer:      cfg.Realtime.SendBuffer,
		WriteWait:       cfg.Realtime.WriteWait,
		PongWait:        cfg.Realtime.PongWait,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ConnCapacity:    cfg.RateLimit.ConnectionCapacity,
		ConnRefill:      cfg.RateLimit.ConnectionRefill,
		RecheckEvery:    cfg.Realtime.RecheckEvery,
	})
	rankingService := services.NewRankingService(st, st)
	apiHandler := api.NewHandler(reportService, userService, achievementService, rankingService, hub)

	r := mux.NewRouter()

	// Public routes (no authentication required)
	r.HandleFunc("/auth/login", authHandler.LoginHandler).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", authHandler.LogoutHandler).Methods(http.MethodPost)
	apiHandler.RegisterPublicRoutes(r)

	// The websocket handler authenticates the handshake itself.
	wsHandler.RegisterRoutes(r)

	// Authenticated API routes
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authHandler.Middleware)
	apiHandler.RegisterRoutes(apiRouter)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Dengue tracker server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
