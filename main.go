package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/openrp/charcore/api/rest"
	apows "github.com/openrp/charcore/api/ws"
	"github.com/openrp/charcore/audit"
	"github.com/openrp/charcore/cache"
	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/config"
	dbadapter "github.com/openrp/charcore/db"
	"github.com/openrp/charcore/dispatch"
	"github.com/openrp/charcore/event"
	"github.com/openrp/charcore/inventory"
	mw "github.com/openrp/charcore/middleware"
	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/persist"
	"github.com/openrp/charcore/scheduler"
	"github.com/openrp/charcore/schema"
	"github.com/openrp/charcore/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Cache / PubSub ----
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cfg.Cache)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Field Registry / Item Catalog ----
	reg := schema.NewRegistry()
	schema.RegisterDefaults(reg)
	reg.Freeze()

	catalog := inventory.NewCatalog()
	if cfg.Core.ItemsPath != "" {
		if err := catalog.LoadFile(cfg.Core.ItemsPath); err != nil {
			logger.Warn("item catalog load warning", zap.Error(err))
		} else {
			logger.Info("item catalog loaded", zap.String("path", cfg.Core.ItemsPath))
		}
	}

	// ---- Core Services ----
	auditSvc := audit.New(db, logger)
	store := persist.NewStore(db, reg, catalog, cfg.Core, logger)
	chars := character.NewManager(reg, store, cfg.Core, logger)
	sm := session.NewManager(logger)
	disp := dispatch.New(sm.ObserversOf, pubsub, logger)
	chars.SetEmitter(disp)
	bus := event.NewBus()

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	sched.AddTicker("flush_dirty", cfg.Core.FlushInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Core.FlushInterval)
		defer cancel()
		if saved := store.Flush(ctx, chars.All()); saved > 0 {
			logger.Info("flushed dirty records", zap.Int("saved", saved))
		}
	})
	sched.AddTicker("evict_idle", cfg.Core.EvictAfter/2, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n := chars.EvictIdle(ctx); n > 0 {
			logger.Info("evicted idle records", zap.Int("count", n))
		}
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	charH := apirest.NewCharacterHandler(db, chars, auditSvc, cfg.Core)
	invH := apirest.NewInventoryHandler(db, chars)
	adminH := apirest.NewAdminHandler(db, sm, chars, store, sched, auditSvc, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		charsG := api.Group("/characters")
		charsG.Use(mw.Auth(cfg.Security, c))
		charsG.GET("", charH.List)
		charsG.POST("", charH.Create)
		charsG.DELETE("/:id", charH.Delete)
		charsG.GET("/:id/inventory", invH.List)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		if len(cfg.Security.AdminIPs) > 0 {
			adminG.Use(mw.IPWhitelist(cfg.Security.AdminIPs))
		}
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/characters", adminH.ListLoaded)
		adminG.POST("/kick/:id", adminH.Kick)
		adminG.POST("/characters/:id/unload", adminH.Unload)
		adminG.POST("/flush", adminH.Flush)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
	}

	// ---- WebSocket ----
	wsRouter := apows.NewRouter(logger)
	wsH := apows.NewHandler(apows.Deps{
		Cache:    c,
		Sec:      cfg.Security,
		Sessions: sm,
		Chars:    chars,
		Store:    store,
		Disp:     disp,
		Catalog:  catalog,
		Bus:      bus,
		Audit:    auditSvc,
		Logger:   logger,
	}, wsRouter)
	r.GET("/ws", wsH.ServeWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	sm.CloseAll()
	sched.Stop()
	if saved := store.Flush(ctx, chars.All()); saved > 0 {
		logger.Info("final flush", zap.Int("saved", saved))
	}
	auditSvc.Stop(ctx)
	logger.Info("shutdown complete")
}
